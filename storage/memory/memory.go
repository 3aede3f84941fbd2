// Package memory provides an in-process chat.Store. Messages live for the
// lifetime of the process.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ggoodman/chat-server-go/chat"
)

// Store implements chat.Store with an append-only slice.
type Store struct {
	mu       sync.RWMutex
	messages []chat.Message
	now      func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{now: time.Now}
}

// Create implements chat.Store.Create.
func (s *Store) Create(ctx context.Context, msg chat.NewMessage) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// IDs are minted under the lock so that id order matches slice order.
	created := chat.Message{
		ID:        ulid.Make().String(),
		From:      msg.From,
		Text:      msg.Text,
		CreatedAt: s.now().UTC(),
	}
	s.messages = append(s.messages, created)
	return created, nil
}

// FindAll implements chat.Store.FindAll. The returned slice is a copy.
func (s *Store) FindAll(ctx context.Context) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Message, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

var _ chat.Store = (*Store)(nil)
