// Package client is the client side of the chat endpoint. A Router sends each
// operation to the transport its kind is classified to: queries and
// mutations over HTTP, subscriptions over a WebSocket. A Replica keeps a
// local copy of the message history, and Client ties the two together.
package client

import (
	"context"
	"io"
	"sync"

	"github.com/ggoodman/chat-server-go/operation"
)

// TokenSource returns the bearer token to present for an operation. An empty
// token sends the operation without credentials.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields tok.
func StaticToken(tok string) TokenSource {
	return func(context.Context) (string, error) { return tok, nil }
}

// Transport executes operations against the chat endpoint.
type Transport interface {
	// Execute starts req and returns the stream of its responses.
	// Request-class operations yield exactly one response.
	Execute(ctx context.Context, req operation.Request) (ResultStream, error)
}

// ResultStream is the sequence of responses of one operation.
type ResultStream interface {
	// Next blocks for the next response. It returns io.EOF once the
	// operation has completed.
	Next(ctx context.Context) (operation.Response, error)
	// Close stops the operation. Calling Close more than once is a no-op.
	Close() error
}

// singleResult is the ResultStream of a completed request-class operation.
type singleResult struct {
	mu   sync.Mutex
	resp operation.Response
	read bool
}

func newSingleResult(resp operation.Response) *singleResult {
	return &singleResult{resp: resp}
}

func (s *singleResult) Next(ctx context.Context) (operation.Response, error) {
	if err := ctx.Err(); err != nil {
		return operation.Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.read {
		return operation.Response{}, io.EOF
	}
	s.read = true
	return s.resp, nil
}

func (s *singleResult) Close() error {
	s.mu.Lock()
	s.read = true
	s.mu.Unlock()
	return nil
}
