package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ggoodman/chat-server-go/chat"
	"github.com/ggoodman/chat-server-go/operation"
)

// Defaults for WSTransport.
const (
	DefaultInitTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// WSTransport executes operations over a single multiplexed WebSocket. The
// socket is dialled on first use. When it drops, every stream on it fails
// with chat.ErrTransport and the next Execute dials a new one; streams are
// not resumed.
type WSTransport struct {
	url          string
	dialer       *websocket.Dialer
	tokens       TokenSource
	log          *slog.Logger
	initTimeout  time.Duration
	writeTimeout time.Duration

	mu     sync.Mutex
	conn   *wsClientConn
	closed bool
}

// WSOption configures a WSTransport.
type WSOption func(*WSTransport)

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) WSOption {
	return func(t *WSTransport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithWSLogger sets the logger.
func WithWSLogger(l *slog.Logger) WSOption {
	return func(t *WSTransport) {
		if l != nil {
			t.log = l
		}
	}
}

// WithWSInitTimeout bounds the connection_init handshake.
func WithWSInitTimeout(d time.Duration) WSOption {
	return func(t *WSTransport) {
		if d > 0 {
			t.initTimeout = d
		}
	}
}

// NewWSTransport creates a transport for endpoint. An http(s) endpoint is
// addressed as ws(s) on the same host and path.
func NewWSTransport(endpoint string, tokens TokenSource, opts ...WSOption) (*WSTransport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	t := &WSTransport{
		url: u.String(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: DefaultInitTimeout,
		},
		tokens:       tokens,
		log:          slog.New(slog.DiscardHandler),
		initTimeout:  DefaultInitTimeout,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Execute implements Transport.
func (t *WSTransport) Execute(ctx context.Context, req operation.Request) (ResultStream, error) {
	c, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	s := c.register(uuid.NewString())
	f, err := operation.NewFrame(operation.FrameSubscribe, s.id, req)
	if err != nil {
		c.unregister(s.id)
		return nil, err
	}
	if err := c.write(f); err != nil {
		c.unregister(s.id)
		return nil, errors.Join(chat.ErrTransport, err)
	}
	return s, nil
}

// Close closes the socket, failing every open stream.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	c := t.conn
	t.conn = nil
	t.mu.Unlock()

	if c != nil {
		c.shutdown(errors.New("transport closed"))
	}
	return nil
}

// connect returns the live connection, dialling one if there is none.
func (t *WSTransport) connect(ctx context.Context) (*wsClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errors.Join(chat.ErrTransport, errors.New("transport closed"))
	}
	if t.conn != nil && !t.conn.isDone() {
		return t.conn, nil
	}

	c, err := t.dial(ctx)
	if err != nil {
		t.log.InfoContext(ctx, "ws.dial.fail", slog.String("err", err.Error()))
		return nil, errors.Join(chat.ErrTransport, err)
	}
	t.conn = c
	t.log.InfoContext(ctx, "ws.dial.ok", slog.String("url", t.url))
	return c, nil
}

// dial opens the socket and performs the connection_init handshake.
func (t *WSTransport) dial(ctx context.Context) (*wsClientConn, error) {
	ws, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	var init operation.InitPayload
	if t.tokens != nil {
		tok, err := t.tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get access token: %w", err)
		}
		if tok != "" {
			init.Authorization = "Bearer " + tok
		}
	}
	f, err := operation.NewFrame(operation.FrameConnectionInit, "", init)
	if err != nil {
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(t.initTimeout))
	if err := ws.WriteJSON(f); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(t.initTimeout))
	var ack operation.Frame
	if err := ws.ReadJSON(&ack); err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == operation.CloseUnauthorized {
			return nil, fmt.Errorf("connection rejected: %s", ce.Text)
		}
		return nil, err
	}
	if ack.Type != operation.FrameConnectionAck {
		return nil, fmt.Errorf("expected connection_ack, got %s", ack.Type)
	}
	ws.SetReadDeadline(time.Time{})

	c := &wsClientConn{
		t:       t,
		ws:      ws,
		streams: make(map[string]*wsStream),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	success = true
	return c, nil
}

// forget drops c as the live connection so the next Execute redials.
func (t *WSTransport) forget(c *wsClientConn) {
	t.mu.Lock()
	if t.conn == c {
		t.conn = nil
	}
	t.mu.Unlock()
}

// wsClientConn is one established socket and the streams multiplexed on it.
type wsClientConn struct {
	t  *WSTransport
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[string]*wsStream
	done    chan struct{}
	err     error
}

func (c *wsClientConn) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsClientConn) write(f operation.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.t.writeTimeout))
	return c.ws.WriteJSON(f)
}

func (c *wsClientConn) register(id string) *wsStream {
	s := &wsStream{c: c, id: id, notify: make(chan struct{}, 1)}
	c.mu.Lock()
	if c.err != nil {
		s.finish(c.err)
	} else {
		c.streams[id] = s
	}
	c.mu.Unlock()
	return s
}

func (c *wsClientConn) unregister(id string) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *wsClientConn) lookup(id string) *wsStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *wsClientConn) readLoop() {
	for {
		var f operation.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.shutdown(err)
			return
		}

		switch f.Type {
		case operation.FrameNext:
			var resp operation.Response
			if err := json.Unmarshal(f.Payload, &resp); err != nil {
				c.t.log.Warn("ws.frame.invalid", slog.String("id", f.ID), slog.String("err", err.Error()))
				continue
			}
			if s := c.lookup(f.ID); s != nil {
				s.push(resp)
			}
		case operation.FrameError:
			var errs []*operation.Error
			if err := json.Unmarshal(f.Payload, &errs); err != nil || len(errs) == 0 {
				errs = []*operation.Error{{Message: "malformed error frame", Code: operation.CodeInternal}}
			}
			if s := c.lookup(f.ID); s != nil {
				c.unregister(f.ID)
				s.push(operation.Response{Errors: errs})
				s.finish(nil)
			}
		case operation.FrameComplete:
			if s := c.lookup(f.ID); s != nil {
				c.unregister(f.ID)
				s.finish(nil)
			}
		case operation.FramePing:
			_ = c.write(operation.Frame{Type: operation.FramePong})
		}
	}
}

// shutdown closes the socket and fails every stream on it.
func (c *wsClientConn) shutdown(cause error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = errors.Join(chat.ErrTransport, cause)
	streams := c.streams
	c.streams = make(map[string]*wsStream)
	close(c.done)
	c.mu.Unlock()

	c.t.forget(c)
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.ws.Close()

	for _, s := range streams {
		s.finish(c.err)
	}
}

// wsStream is one operation on a wsClientConn. Responses are queued so that
// a slow consumer never stalls the socket's read loop.
type wsStream struct {
	c      *wsClientConn
	id     string
	notify chan struct{}

	mu       sync.Mutex
	queue    []operation.Response
	finished bool
	err      error
}

func (s *wsStream) push(resp operation.Response) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, resp)
	s.mu.Unlock()
	s.wake()
}

func (s *wsStream) finish(err error) {
	s.mu.Lock()
	if !s.finished {
		s.finished = true
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *wsStream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next implements ResultStream.Next. Queued responses are delivered before
// the end of the stream is reported.
func (s *wsStream) Next(ctx context.Context) (operation.Response, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			resp := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return resp, nil
		}
		if s.finished {
			err := s.err
			s.mu.Unlock()
			if err != nil {
				return operation.Response{}, err
			}
			return operation.Response{}, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return operation.Response{}, ctx.Err()
		}
	}
}

// Close implements ResultStream.Close. A stream still running on the server
// is completed there.
func (s *wsStream) Close() error {
	s.mu.Lock()
	wasFinished := s.finished
	s.finished = true
	s.queue = nil
	s.mu.Unlock()
	s.wake()

	if wasFinished {
		return nil
	}
	s.c.unregister(s.id)
	if s.c.isDone() {
		return nil
	}
	if err := s.c.write(operation.Frame{Type: operation.FrameComplete, ID: s.id}); err != nil {
		return errors.Join(chat.ErrTransport, err)
	}
	return nil
}

var _ Transport = (*WSTransport)(nil)
