// Package chat holds the domain types shared by the server handlers, the
// message stores and the client: the Message record, the Store collaborator
// contract and the error taxonomy surfaced to callers.
package chat

import (
	"context"
	"errors"
	"time"
)

// MessageAddedTopic is the bus topic every successfully persisted message is
// published on.
const MessageAddedTopic = "MESSAGE_ADDED"

var (
	// ErrStore marks a persistence failure reported by a Store. A mutation
	// failing with ErrStore never published anything.
	ErrStore = errors.New("store error")
	// ErrInvalidInput marks operation input rejected before any side effect.
	ErrInvalidInput = errors.New("invalid input")
	// ErrTransport marks an interrupted stream or a failed round-trip.
	ErrTransport = errors.New("transport error")
)

// Message is a single chat message. Messages are immutable once created and
// are identified by ID, which the Store assigns.
type Message struct {
	ID        string    `json:"id" msgpack:"id" jsonschema:"description=Store-assigned identifier"`
	From      string    `json:"from" msgpack:"from" jsonschema:"description=User id of the author"`
	Text      string    `json:"text" msgpack:"text"`
	CreatedAt time.Time `json:"createdAt" msgpack:"created_at"`
}

// MessageInput is the payload of the addMessage mutation.
type MessageInput struct {
	Text string `json:"text" jsonschema:"minLength=1"`
}

// NewMessage carries the fields a Store needs to create a Message.
type NewMessage struct {
	From string
	Text string
}

// Store is the persistent message store the handlers delegate to.
// Implementations MUST be safe for concurrent use.
type Store interface {
	// Create persists a message and returns it with its ID and creation
	// time populated.
	Create(ctx context.Context, msg NewMessage) (Message, error)
	// FindAll returns every stored message in creation order.
	FindAll(ctx context.Context) ([]Message, error)
}
