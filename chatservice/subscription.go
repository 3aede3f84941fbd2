package chatservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ggoodman/chat-server-go/auth"
	"github.com/ggoodman/chat-server-go/bus"
	"github.com/ggoodman/chat-server-go/chat"
	"github.com/ggoodman/chat-server-go/internal/logctx"
)

// State is the lifecycle state of a Subscription.
type State int

const (
	// StateOpening is held only while OpenMessageAdded runs the access
	// guard and registers with the bus.
	StateOpening State = iota
	// StateOpen subscriptions forward every published message.
	StateOpen
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Subscription is one client's messageAdded stream. It owns a single bus
// subscription, released when the Subscription closes.
type Subscription struct {
	userID string
	sub    bus.Subscription
	log    *slog.Logger

	mu    sync.Mutex
	state State
}

// OpenMessageAdded opens a messageAdded stream for the calling user. When the
// access guard rejects the call no bus subscription is created. The returned
// subscription is also closed when ctx is done.
func (s *Service) OpenMessageAdded(ctx context.Context) (*Subscription, error) {
	user, err := auth.RequireUser(ctx)
	if err != nil {
		s.log.InfoContext(ctx, "sub.open.unauthorized")
		return nil, err
	}
	ctx = logctx.WithUserData(ctx, &logctx.UserData{UserID: user.UserID()})

	sub, err := s.bus.Subscribe(ctx, chat.MessageAddedTopic)
	if err != nil {
		s.log.ErrorContext(ctx, "sub.open.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	s.log.InfoContext(ctx, "sub.open.ok")
	return &Subscription{
		userID: user.UserID(),
		sub:    sub,
		log:    s.log,
		state:  StateOpen,
	}, nil
}

// UserID reports the user the subscription was opened for.
func (s *Subscription) UserID() string { return s.userID }

// State reports the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Next blocks for the next published message. It returns io.EOF once the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (chat.Message, error) {
	for {
		ev, err := s.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.markClosed()
			}
			return chat.Message{}, err
		}

		var msg chat.Message
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			s.log.ErrorContext(ctx, "sub.decode.fail",
				slog.String("event_id", ev.ID),
				slog.String("err", err.Error()),
			)
			continue
		}
		return msg, nil
	}
}

// Forward delivers every published message to send until ctx is done, the
// subscription is closed or send fails. The subscription is closed when
// Forward returns. A send failure is reported wrapped in chat.ErrTransport.
func (s *Subscription) Forward(ctx context.Context, send func(chat.Message) error) error {
	defer s.Close()

	for {
		msg, err := s.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		if err := send(msg); err != nil {
			s.log.InfoContext(ctx, "sub.send.fail",
				slog.String("message_id", msg.ID),
				slog.String("err", err.Error()),
			)
			return errors.Join(chat.ErrTransport, err)
		}
	}
}

// Close deregisters from the bus. No message is delivered to the
// subscription after Close returns. Calling Close more than once is a no-op.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	return s.sub.Close()
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}
