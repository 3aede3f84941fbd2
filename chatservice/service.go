// Package chatservice implements the chat operations on top of an injected
// message store and topic bus: the messages query, the addMessage mutation
// and the messageAdded subscription.
//
// Every operation starts with the access guard; an unauthenticated call fails
// with auth.ErrUnauthorized before it touches the store or the bus.
package chatservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ggoodman/chat-server-go/auth"
	"github.com/ggoodman/chat-server-go/bus"
	"github.com/ggoodman/chat-server-go/chat"
	"github.com/ggoodman/chat-server-go/internal/logctx"
)

// DefaultMaxMessageLength bounds the text of a single message, in runes.
const DefaultMaxMessageLength = 4096

// Service serves the chat operations.
type Service struct {
	store  chat.Store
	bus    bus.Bus
	log    *slog.Logger
	maxLen int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMaxMessageLength sets the maximum message length in runes. Values below
// 1 are ignored.
func WithMaxMessageLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

// New creates a Service over store and b.
func New(store chat.Store, b bus.Bus, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if b == nil {
		return nil, fmt.Errorf("bus is required")
	}
	s := &Service{
		store:  store,
		bus:    b,
		log:    slog.New(slog.DiscardHandler),
		maxLen: DefaultMaxMessageLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Messages returns every stored message in creation order.
func (s *Service) Messages(ctx context.Context) ([]chat.Message, error) {
	user, err := auth.RequireUser(ctx)
	if err != nil {
		s.log.InfoContext(ctx, "query.messages.unauthorized")
		return nil, err
	}
	ctx = logctx.WithUserData(ctx, &logctx.UserData{UserID: user.UserID()})

	msgs, err := s.store.FindAll(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "store.find_all.fail", slog.String("err", err.Error()))
		return nil, errors.Join(chat.ErrStore, err)
	}
	return msgs, nil
}

// AddMessage persists a message authored by the calling user, publishes it
// on chat.MessageAddedTopic and returns it. Nothing is published unless the
// store accepted the message; the publish has happened by the time
// AddMessage returns.
func (s *Service) AddMessage(ctx context.Context, in chat.MessageInput) (chat.Message, error) {
	user, err := auth.RequireUser(ctx)
	if err != nil {
		s.log.InfoContext(ctx, "mutation.add_message.unauthorized")
		return chat.Message{}, err
	}
	ctx = logctx.WithUserData(ctx, &logctx.UserData{UserID: user.UserID()})

	if err := s.validate(in); err != nil {
		return chat.Message{}, err
	}

	msg, err := s.store.Create(ctx, chat.NewMessage{From: user.UserID(), Text: in.Text})
	if err != nil {
		s.log.ErrorContext(ctx, "store.create.fail", slog.String("err", err.Error()))
		return chat.Message{}, errors.Join(chat.ErrStore, err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return chat.Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	// The message is persisted; the caller going away must not stop the
	// fan-out.
	eventID, err := s.bus.Publish(context.WithoutCancel(ctx), chat.MessageAddedTopic, data)
	if err != nil {
		s.log.ErrorContext(ctx, "bus.publish.fail",
			slog.String("message_id", msg.ID),
			slog.String("err", err.Error()),
		)
		return msg, nil
	}

	s.log.DebugContext(ctx, "bus.publish.ok",
		slog.String("message_id", msg.ID),
		slog.String("event_id", eventID),
	)
	return msg, nil
}

func (s *Service) validate(in chat.MessageInput) error {
	if strings.TrimSpace(in.Text) == "" {
		return fmt.Errorf("%w: text must not be empty", chat.ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(in.Text); n > s.maxLen {
		return fmt.Errorf("%w: text is %d characters long, limit is %d", chat.ErrInvalidInput, n, s.maxLen)
	}
	return nil
}
