// Package bus defines the topic bus that decouples message producers from the
// subscription streams held open for connected clients.
//
// Delivery is at-most-once and best-effort: an event reaches the subscriptions
// registered on its topic at the moment Publish is called and nothing else.
// There is no buffering for absent subscribers and no replay.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations attempted on a bus that has been shut down.
var ErrClosed = errors.New("bus: closed")

// Bus fans events out to every live subscription of a topic.
// Implementations MUST be safe for concurrent use.
type Bus interface {
	// Publish delivers data to every subscription registered on topic when
	// the call is made and returns the event id it assigned. Publishing to a
	// topic without subscribers is a no-op. Publish never blocks on a slow
	// subscriber.
	Publish(ctx context.Context, topic string, data []byte) (eventID string, err error)

	// Subscribe registers a new subscription on topic. The subscription stays
	// registered until Close is called or ctx is done, whichever comes first.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription is a single consumer's handle on a topic.
type Subscription interface {
	// Next blocks until the next event is available, the subscription is
	// closed (io.EOF) or ctx is done.
	Next(ctx context.Context) (Event, error)

	// Close deregisters the subscription. Once Close returns no publish can
	// reach it. Calling Close more than once is a no-op.
	Close() error
}

// Event is one published payload as observed by a subscriber. Data is shared
// between every subscriber of the same publish and must be treated as read-only.
type Event struct {
	ID    string
	Topic string
	Data  []byte
}
