package client

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/chat-server-go/operation"
)

type recordingTransport struct {
	name  string
	calls []operation.Request
}

func (r *recordingTransport) Execute(_ context.Context, req operation.Request) (ResultStream, error) {
	r.calls = append(r.calls, req)
	resp, err := operation.NewDataResponse(r.name)
	if err != nil {
		return nil, err
	}
	return newSingleResult(resp), nil
}

func TestRouter(t *testing.T) {
	httpT := &recordingTransport{name: "http"}
	wsT := &recordingTransport{name: "ws"}
	r, err := NewRouter(httpT, wsT)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	tests := []struct {
		kind operation.Kind
		op   string
		want string
	}{
		{operation.KindQuery, operation.Messages, "http"},
		{operation.KindMutation, operation.AddMessage, "http"},
		{operation.KindSubscription, operation.MessageAdded, "ws"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			stream, err := r.Execute(context.Background(), operation.Request{Kind: tt.kind, Operation: tt.op})
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			resp, err := stream.Next(context.Background())
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			var got string
			if err := resp.Decode(&got); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("routed to %q, want %q", got, tt.want)
			}
		})
	}

	if len(httpT.calls) != 2 || len(wsT.calls) != 1 {
		t.Errorf("calls: http=%d ws=%d, want 2 and 1", len(httpT.calls), len(wsT.calls))
	}

	if _, err := r.Execute(context.Background(), operation.Request{Kind: "fragment"}); !errors.Is(err, operation.ErrUnknownKind) {
		t.Errorf("Execute(fragment) = %v, want ErrUnknownKind", err)
	}
}

func TestNewRouter_RequiresTransports(t *testing.T) {
	if _, err := NewRouter(nil, &recordingTransport{}); err == nil {
		t.Error("NewRouter(nil, ws) should fail")
	}
	if _, err := NewRouter(&recordingTransport{}, nil); err == nil {
		t.Error("NewRouter(http, nil) should fail")
	}
}
