package operation

import (
	"encoding/json"
	"fmt"
)

// Subprotocol is the WebSocket subprotocol spoken on the streaming transport.
const Subprotocol = "chat-transport-ws"

// FrameType identifies a streaming transport frame.
type FrameType string

const (
	// FrameConnectionInit is the first client frame. Its payload is an
	// InitPayload.
	FrameConnectionInit FrameType = "connection_init"
	// FrameConnectionAck acknowledges FrameConnectionInit.
	FrameConnectionAck FrameType = "connection_ack"
	// FrameSubscribe starts the operation carried in its payload (a Request)
	// under the client-chosen id.
	FrameSubscribe FrameType = "subscribe"
	// FrameNext carries one Response for an operation.
	FrameNext FrameType = "next"
	// FrameError terminates an operation with the errors in its payload.
	FrameError FrameType = "error"
	// FrameComplete terminates an operation. Sent by the client it cancels
	// the operation; sent by the server it reports the end of results.
	FrameComplete FrameType = "complete"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// WebSocket close codes used by the streaming transport.
const (
	CloseBadRequest   = 4400
	CloseUnauthorized = 4401
	CloseInitTimeout  = 4408
	CloseDuplicateID  = 4409
)

// Frame is a single streaming transport message.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitPayload is the payload of FrameConnectionInit.
type InitPayload struct {
	// Authorization is an "Authorization" header value, e.g. "Bearer <token>".
	Authorization string `json:"authorization,omitempty"`
}

// NewFrame builds a frame, marshalling payload when it is not nil.
func NewFrame(typ FrameType, id string, payload any) (Frame, error) {
	f := Frame{Type: typ, ID: id}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		f.Payload = b
	}
	return f, nil
}
