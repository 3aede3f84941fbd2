// Package redis provides a Redis-backed chat.Store. Messages are kept in a
// single list, msgpack-encoded, in creation order.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ggoodman/chat-server-go/chat"
)

// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "chat:"

// Config contains configuration options for the Redis store
type Config struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "chat:"
	KeyPrefix string
}

// Store implements chat.Store using a Redis list.
type Store struct {
	client *redis.Client
	key    string
}

// New creates a new Redis-based store.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultKeyPrefix
	}
	return &Store{client: config.Client, key: config.KeyPrefix + "messages"}, nil
}

// Dial connects to addr and verifies the connection with a PING.
func Dial(ctx context.Context, addr, keyPrefix string) (*Store, error) {
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(Config{Client: cl, KeyPrefix: keyPrefix})
}

// Create implements chat.Store.Create.
func (s *Store) Create(ctx context.Context, msg chat.NewMessage) (chat.Message, error) {
	created := chat.Message{
		ID:        ulid.Make().String(),
		From:      msg.From,
		Text:      msg.Text,
		CreatedAt: time.Now().UTC(),
	}

	data, err := msgpack.Marshal(&created)
	if err != nil {
		return chat.Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := s.client.RPush(ctx, s.key, data).Err(); err != nil {
		return chat.Message{}, fmt.Errorf("failed to append message: %w", err)
	}
	return created, nil
}

// FindAll implements chat.Store.FindAll.
func (s *Store) FindAll(ctx context.Context) ([]chat.Message, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	out := make([]chat.Message, 0, len(raw))
	for _, r := range raw {
		var m chat.Message
		if err := msgpack.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ chat.Store = (*Store)(nil)
