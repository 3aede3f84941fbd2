package client

import (
	"context"
	"fmt"

	"github.com/ggoodman/chat-server-go/operation"
)

// Router dispatches operations to a transport by transport class. Which class
// an operation belongs to is decided by operation.Classify alone; the router
// only maps classes to transports.
type Router struct {
	transports map[operation.Class]Transport
}

// NewRouter creates a router sending request-class operations to request
// and stream-class operations to stream.
func NewRouter(request, stream Transport) (*Router, error) {
	if request == nil {
		return nil, fmt.Errorf("request transport is required")
	}
	if stream == nil {
		return nil, fmt.Errorf("stream transport is required")
	}
	return &Router{transports: map[operation.Class]Transport{
		operation.ClassRequest: request,
		operation.ClassStream:  stream,
	}}, nil
}

// Route returns the transport for operations of kind k.
func (r *Router) Route(k operation.Kind) (Transport, error) {
	class, err := operation.Classify(k)
	if err != nil {
		return nil, err
	}
	t, ok := r.transports[class]
	if !ok {
		return nil, fmt.Errorf("no transport for %s operations", class)
	}
	return t, nil
}

// Execute implements Transport by routing req.
func (r *Router) Execute(ctx context.Context, req operation.Request) (ResultStream, error) {
	t, err := r.Route(req.Kind)
	if err != nil {
		return nil, err
	}
	return t.Execute(ctx, req)
}

var _ Transport = (*Router)(nil)
