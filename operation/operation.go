// Package operation defines the wire contract shared by the chat server and
// its clients: the operation kinds, the request and response envelopes, the
// error codes carried across the wire and the routing classification that
// decides which transport an operation travels on.
package operation

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/chat-server-go/chat"
)

// Kind is the category of an operation.
type Kind string

const (
	KindQuery        Kind = "query"
	KindMutation     Kind = "mutation"
	KindSubscription Kind = "subscription"
)

// Class is the transport class an operation is routed to.
type Class int

const (
	// ClassRequest operations complete with a single response.
	ClassRequest Class = iota + 1
	// ClassStream operations yield a sequence of responses over a
	// persistent connection.
	ClassStream
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassStream:
		return "stream"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Names of the operations the chat endpoint serves.
const (
	Messages     = "messages"
	AddMessage   = "addMessage"
	MessageAdded = "messageAdded"
)

// ErrUnknownKind is returned by Classify for a kind outside the table.
var ErrUnknownKind = errors.New("unknown operation kind")

// ErrBadRequest marks a malformed request envelope or an operation sent on a
// transport of the wrong class.
var ErrBadRequest = errors.New("bad request")

var classes = map[Kind]Class{
	KindQuery:        ClassRequest,
	KindMutation:     ClassRequest,
	KindSubscription: ClassStream,
}

var kinds = map[string]Kind{
	Messages:     KindQuery,
	AddMessage:   KindMutation,
	MessageAdded: KindSubscription,
}

// Classify maps an operation kind to its transport class. It depends on
// nothing but the kind.
func Classify(k Kind) (Class, error) {
	c, ok := classes[k]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
	}
	return c, nil
}

// KindOf reports the kind of a named operation.
func KindOf(name string) (Kind, bool) {
	k, ok := kinds[name]
	return k, ok
}

// Request is the envelope of a single operation.
type Request struct {
	Kind      Kind            `json:"kind" jsonschema:"enum=query,enum=mutation,enum=subscription"`
	Operation string          `json:"operation" jsonschema:"enum=messages,enum=addMessage,enum=messageAdded"`
	Variables json.RawMessage `json:"variables,omitempty"`
}

// AddMessageVariables are the variables of the addMessage mutation.
type AddMessageVariables struct {
	Input chat.MessageInput `json:"input"`
}

// NewRequest builds a request for the named operation, filling in its kind.
// vars may be nil.
func NewRequest(name string, vars any) (Request, error) {
	k, ok := KindOf(name)
	if !ok {
		return Request{}, fmt.Errorf("%w: unknown operation %q", ErrBadRequest, name)
	}
	req := Request{Kind: k, Operation: name}
	if vars != nil {
		b, err := json.Marshal(vars)
		if err != nil {
			return Request{}, fmt.Errorf("failed to marshal variables: %w", err)
		}
		req.Variables = b
	}
	return req, nil
}

// Validate checks that the operation is known and that the declared kind
// matches it.
func (r Request) Validate() error {
	k, ok := KindOf(r.Operation)
	if !ok {
		return fmt.Errorf("%w: unknown operation %q", ErrBadRequest, r.Operation)
	}
	if r.Kind != k {
		return fmt.Errorf("%w: operation %q is a %s, not a %s", ErrBadRequest, r.Operation, k, r.Kind)
	}
	return nil
}

// DecodeVariables unmarshals the request variables into v.
func (r Request) DecodeVariables(v any) error {
	if len(r.Variables) == 0 {
		return fmt.Errorf("%w: missing variables", ErrBadRequest)
	}
	if err := json.Unmarshal(r.Variables, v); err != nil {
		return fmt.Errorf("%w: invalid variables: %v", ErrBadRequest, err)
	}
	return nil
}

// Response is the envelope of a single result. Exactly one of Data and
// Errors is set.
type Response struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []*Error        `json:"errors,omitempty"`
}

// NewDataResponse marshals v as the response data.
func NewDataResponse(v any) (Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return Response{Data: b}, nil
}

// NewErrorResponse converts err to a single-error response.
func NewErrorResponse(err error) Response {
	return Response{Errors: []*Error{ErrorFrom(err)}}
}

// Err returns the first error carried by the response, or nil.
func (r Response) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// Decode unmarshals the response data into v, or returns the response error.
func (r Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}
