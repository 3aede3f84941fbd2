package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ggoodman/chat-server-go/auth"
	"github.com/ggoodman/chat-server-go/auth/authtest"
	"github.com/ggoodman/chat-server-go/bus/memory"
	"github.com/ggoodman/chat-server-go/chat"
	"github.com/ggoodman/chat-server-go/chathttp"
	"github.com/ggoodman/chat-server-go/chatservice"
	storagememory "github.com/ggoodman/chat-server-go/storage/memory"
)

type testServer struct {
	*httptest.Server
	bus      *memory.Bus
	endpoint string
}

func mustServer(t *testing.T) *testServer {
	t.Helper()

	mem := memory.New()
	svc, err := chatservice.New(storagememory.New(), mem)
	if err != nil {
		t.Fatalf("chatservice.New failed: %v", err)
	}

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	h, err := chathttp.New(ctx, srv.URL+"/graphql", svc, authtest.Tokens{
		"alice-token": "alice",
		"bob-token":   "bob",
	}, chathttp.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		cancel()
		srv.Close()
		t.Fatalf("chathttp.New failed: %v", err)
	}
	handler = h

	t.Cleanup(func() {
		cancel()
		srv.Close()
		_ = mem.Close()
	})
	return &testServer{Server: srv, bus: mem, endpoint: srv.URL + "/graphql"}
}

func (s *testServer) waitSubscribers(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.bus.Stats().Subscribers != n {
		if time.Now().After(deadline) {
			t.Fatalf("bus has %d subscribers, want %d", s.bus.Stats().Subscribers, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustClient(t *testing.T, s *testServer, token string) *Client {
	t.Helper()
	c, err := New(Config{Endpoint: s.endpoint, Tokens: StaticToken(token)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type watcher struct {
	got  chan chat.Message
	errc chan error
}

func startWatch(t *testing.T, ctx context.Context, c *Client) *watcher {
	t.Helper()
	w := &watcher{got: make(chan chat.Message, 16), errc: make(chan error, 1)}
	go func() {
		w.errc <- c.WatchMessages(ctx, func(m chat.Message) error {
			w.got <- m
			return nil
		})
	}()
	return w
}

func (w *watcher) next(t *testing.T) chat.Message {
	t.Helper()
	select {
	case m := <-w.got:
		return m
	case err := <-w.errc:
		t.Fatalf("WatchMessages returned early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a pushed message")
	}
	return chat.Message{}
}

func (w *watcher) done(t *testing.T) error {
	t.Helper()
	select {
	case err := <-w.errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("WatchMessages did not return")
	}
	return nil
}

func TestClient_PushReachesOtherUser(t *testing.T) {
	s := mustServer(t)
	alice := mustClient(t, s, "alice-token")
	bob := mustClient(t, s, "bob-token")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := startWatch(t, ctx, bob)
	s.waitSubscribers(t, 1)

	sent, err := alice.AddMessage(ctx, "hello")
	if err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	pushed := w.next(t)
	if pushed.ID != sent.ID || pushed.From != "alice" || pushed.Text != "hello" {
		t.Errorf("pushed %+v, want %+v", pushed, sent)
	}
	if bob.Replica().Len() != 1 {
		t.Errorf("bob's replica holds %d messages, want 1", bob.Replica().Len())
	}

	msgs, err := bob.Messages(ctx)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != sent.ID {
		t.Errorf("Messages = %+v", msgs)
	}
	if bob.Replica().Len() != 1 {
		t.Errorf("bob's replica holds %d messages after refresh, want 1", bob.Replica().Len())
	}

	cancel()
	if err := w.done(t); err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("WatchMessages = %v", err)
	}
	s.waitSubscribers(t, 0)
}

func TestClient_OwnMessageMergedOnce(t *testing.T) {
	s := mustServer(t)
	alice := mustClient(t, s, "alice-token")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := startWatch(t, ctx, alice)
	s.waitSubscribers(t, 1)

	sent, err := alice.AddMessage(ctx, "mine")
	if err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	if pushed := w.next(t); pushed.ID != sent.ID {
		t.Fatalf("pushed %q, want %q", pushed.ID, sent.ID)
	}

	got := alice.Replica().Messages()
	if len(got) != 1 || got[0].ID != sent.ID {
		t.Errorf("replica = %+v, want exactly the sent message", got)
	}
}

func TestClient_Unauthorized(t *testing.T) {
	s := mustServer(t)
	anon := mustClient(t, s, "")
	ctx := context.Background()

	if _, err := anon.Messages(ctx); !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("Messages = %v, want ErrUnauthorized", err)
	}
	if _, err := anon.AddMessage(ctx, "hi"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("AddMessage = %v, want ErrUnauthorized", err)
	}
	if err := anon.WatchMessages(ctx, nil); !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("WatchMessages = %v, want ErrUnauthorized", err)
	}
	if s.bus.Stats().Subscribers != 0 {
		t.Errorf("bus has %d subscribers, want 0", s.bus.Stats().Subscribers)
	}

	bad := mustClient(t, s, "nope")
	if _, err := bad.Messages(ctx); !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("Messages(bad token) = %v, want ErrUnauthorized", err)
	}
	if err := bad.WatchMessages(ctx, nil); !errors.Is(err, chat.ErrTransport) {
		t.Errorf("WatchMessages(bad token) = %v, want ErrTransport", err)
	}
}

func TestClient_InvalidInput(t *testing.T) {
	s := mustServer(t)
	alice := mustClient(t, s, "alice-token")
	if _, err := alice.AddMessage(context.Background(), " "); !errors.Is(err, chat.ErrInvalidInput) {
		t.Errorf("AddMessage(blank) = %v, want ErrInvalidInput", err)
	}
}

func TestClient_DroppedSocketFailsStreamThenRedials(t *testing.T) {
	s := mustServer(t)
	alice := mustClient(t, s, "alice-token")
	bob := mustClient(t, s, "bob-token")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := startWatch(t, ctx, bob)
	s.waitSubscribers(t, 1)

	bob.ws.mu.Lock()
	conn := bob.ws.conn
	bob.ws.mu.Unlock()
	if conn == nil {
		t.Fatal("no live socket")
	}
	_ = conn.ws.Close()

	if err := w.done(t); !errors.Is(err, chat.ErrTransport) {
		t.Fatalf("WatchMessages = %v, want ErrTransport", err)
	}
	s.waitSubscribers(t, 0)

	// A new subscription dials a fresh socket.
	w = startWatch(t, ctx, bob)
	s.waitSubscribers(t, 1)
	if _, err := alice.AddMessage(ctx, "again"); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	if got := w.next(t); got.Text != "again" {
		t.Errorf("pushed %+v", got)
	}
}

func TestClient_TransportError(t *testing.T) {
	c, err := New(Config{Endpoint: "http://127.0.0.1:1/graphql", Tokens: StaticToken("t")})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Messages(ctx); !errors.Is(err, chat.ErrTransport) {
		t.Errorf("Messages = %v, want ErrTransport", err)
	}
	if err := c.WatchMessages(ctx, nil); !errors.Is(err, chat.ErrTransport) {
		t.Errorf("WatchMessages = %v, want ErrTransport", err)
	}
}

func TestNew_RejectsBadEndpoint(t *testing.T) {
	if _, err := New(Config{Endpoint: "ftp://example.com/graphql"}); err == nil {
		t.Error("New with ftp endpoint should fail")
	}
}
