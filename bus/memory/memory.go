// Package memory provides an in-process implementation of bus.Bus backed by
// one bounded channel per subscription. It is suitable for single-node
// deployments and tests.
package memory

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/chat-server-go/bus"
)

// DefaultBufferSize is the per-subscription buffer used when none is configured.
const DefaultBufferSize = 64

// Bus implements bus.Bus. Each subscription owns a buffer of BufferSize
// events; when a subscriber falls that far behind further events for it are
// dropped and counted rather than blocking the publisher.
type Bus struct {
	mu      sync.RWMutex
	topics  map[string]map[*subscription]struct{}
	closed  bool
	counter atomic.Int64
	dropped atomic.Uint64

	bufferSize int
	log        *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the number of undelivered events a subscription may hold
// before new events for it are dropped. Values below 1 are ignored.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithLogger sets the logger used to report dropped deliveries.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	Topics      int
	Subscribers int
	Dropped     uint64
}

type subscription struct {
	bus   *Bus
	topic string
	ch    chan bus.Event

	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64

	stopMu sync.Mutex
	stop   func() bool
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics:     make(map[string]map[*subscription]struct{}),
		bufferSize: DefaultBufferSize,
		log:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements bus.Bus.Publish.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ev := bus.Event{
		ID:    strconv.FormatInt(b.counter.Add(1), 10),
		Topic: topic,
		Data:  append([]byte(nil), data...),
	}

	// Sends are non-blocking, so holding the read lock for the fan-out is
	// bounded. It also guarantees a concurrent Close cannot observe a send
	// racing with its deregistration.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return "", bus.ErrClosed
	}

	for sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			b.log.WarnContext(ctx, "bus.deliver.drop",
				slog.String("topic", topic),
				slog.String("event_id", ev.ID),
				slog.Int("buffer", cap(sub.ch)),
			)
		}
	}

	return ev.ID, nil
}

// Subscribe implements bus.Bus.Subscribe.
func (b *Bus) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscription{
		bus:   b,
		topic: topic,
		ch:    make(chan bus.Event, b.bufferSize),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
	sub.stopMu.Lock()
	sub.stop = stop
	sub.stopMu.Unlock()

	return sub, nil
}

// Close shuts the bus down. Every live subscription is closed and further
// Publish and Subscribe calls fail with bus.ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*subscription
	for _, set := range b.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.topics = make(map[string]map[*subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// Stats reports the number of live topics and subscriptions and the total
// number of dropped deliveries.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{Topics: len(b.topics), Dropped: b.dropped.Load()}
	for _, set := range b.topics {
		st.Subscribers += len(set)
	}
	return st
}

// Next implements bus.Subscription.Next.
func (s *subscription) Next(ctx context.Context) (bus.Event, error) {
	select {
	case <-s.done:
		return bus.Event{}, io.EOF
	default:
	}

	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.done:
		return bus.Event{}, io.EOF
	case <-ctx.Done():
		return bus.Event{}, ctx.Err()
	}
}

// Close implements bus.Subscription.Close. Deregistration is complete when
// Close returns.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.stopMu.Lock()
		stop := s.stop
		s.stopMu.Unlock()
		if stop != nil {
			stop()
		}

		b := s.bus
		b.mu.Lock()
		if set, ok := b.topics[s.topic]; ok {
			delete(set, s)
			// Empty topics are collected; a later publish to them is a no-op.
			if len(set) == 0 {
				delete(b.topics, s.topic)
			}
		}
		b.mu.Unlock()

		close(s.done)
	})
	return nil
}

// Dropped reports how many events were dropped for this subscription.
func (s *subscription) Dropped() uint64 { return s.dropped.Load() }

// Compile-time interface checks
var (
	_ bus.Bus          = (*Bus)(nil)
	_ bus.Subscription = (*subscription)(nil)
)
