package chathttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/chat-server-go/auth"
	"github.com/ggoodman/chat-server-go/chat"
	"github.com/ggoodman/chat-server-go/internal/logctx"
	"github.com/ggoodman/chat-server-go/operation"
)

const wsOutboundBuffer = 16

// wsConn is one upgraded streaming connection. It multiplexes any number of
// operations, each under the id the client chose in its subscribe frame.
// Every operation is bound to the connection: when the socket goes away all
// of them are cancelled and their subscriptions released.
type wsConn struct {
	h    *Handler
	conn *websocket.Conn

	ctx        context.Context
	cancel     context.CancelFunc
	out        chan operation.Frame
	writerDone chan struct{}

	mu  sync.Mutex
	ops map[string]*wsOp
	wg  sync.WaitGroup
}

type wsOp struct {
	cancel context.CancelFunc
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// A bearer token on the upgrade request is checked before upgrading so
	// that a bad token gets a proper HTTP challenge.
	ctx, fail := h.authenticate(r.Context(), r.Header.Get(authorizationHeader))
	if fail != nil {
		h.rejectAuth(w, fail)
		return
	}
	_, authed := auth.UserFromContext(ctx)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.log.WarnContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	c := &wsConn{
		h:      h,
		conn:   conn,
		ctx:    connCtx,
		cancel: cancel,
		out:    make(chan operation.Frame, wsOutboundBuffer),
		ops:    make(map[string]*wsOp),
	}

	h.log.InfoContext(ctx, "ws.conn.open")
	c.serve(authed)
	h.log.InfoContext(ctx, "ws.conn.close", slog.Duration("dur", time.Since(start)))
}

func (c *wsConn) serve(authed bool) {
	defer func() {
		c.cancel()
		// Every operation has released its subscription once wg drains.
		c.wg.Wait()
		if c.writerDone != nil {
			<-c.writerDone
		}
		_ = c.conn.Close()
	}()

	ctx, ok := c.init(c.ctx, authed)
	if !ok {
		return
	}

	c.writerDone = make(chan struct{})
	go c.writeLoop()
	c.readLoop(ctx)
}

// init performs the connection_init handshake. It must be the first frame
// and arrive within the init timeout. A token in its payload authenticates
// the connection unless the upgrade request already did.
func (c *wsConn) init(ctx context.Context, authed bool) (context.Context, bool) {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.h.initTimeout))

	f, err := c.readFrame()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.closeWith(operation.CloseInitTimeout, "connection initialisation timeout")
		}
		c.h.log.InfoContext(ctx, "ws.init.fail", slog.String("err", err.Error()))
		return ctx, false
	}
	if f.Type != operation.FrameConnectionInit {
		c.closeWith(operation.CloseBadRequest, "expected connection_init")
		c.h.log.InfoContext(ctx, "ws.init.fail", slog.String("type", string(f.Type)))
		return ctx, false
	}

	var p operation.InitPayload
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.closeWith(operation.CloseBadRequest, "invalid connection_init payload")
			return ctx, false
		}
	}
	if !authed && p.Authorization != "" {
		var fail *authFailure
		ctx, fail = c.h.authenticate(ctx, p.Authorization)
		if fail != nil {
			c.closeWith(operation.CloseUnauthorized, "unauthorized")
			return ctx, false
		}
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.h.writeTimeout))
	if err := c.conn.WriteJSON(operation.Frame{Type: operation.FrameConnectionAck}); err != nil {
		c.h.log.InfoContext(ctx, "ws.ack.fail", slog.String("err", err.Error()))
		return ctx, false
	}
	return ctx, true
}

func (c *wsConn) readFrame() (operation.Frame, error) {
	var f operation.Frame
	typ, data, err := c.conn.ReadMessage()
	if err != nil {
		return f, err
	}
	if typ != websocket.TextMessage {
		return f, fmt.Errorf("unexpected message type %d", typ)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("invalid frame: %w", err)
	}
	return f, nil
}

func (c *wsConn) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.h.writeTimeout))
}

// writeLoop is the only writer of data frames. It also keeps the connection
// alive with pings. Closing the connection on exit unblocks readLoop.
func (c *wsConn) writeLoop() {
	defer close(c.writerDone)
	defer func() { _ = c.conn.Close() }()
	defer c.cancel()

	ping := time.NewTicker(c.h.pongWait * 9 / 10)
	defer ping.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.closeWith(websocket.CloseNormalClosure, "")
			return
		case f := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.h.writeTimeout))
			if err := c.conn.WriteJSON(f); err != nil {
				c.h.log.InfoContext(c.ctx, "ws.write.fail", slog.String("err", err.Error()))
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.h.writeTimeout)); err != nil {
				c.h.log.InfoContext(c.ctx, "ws.ping.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

func (c *wsConn) readLoop(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.h.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.h.pongWait))
	})

	for {
		f, err := c.readFrame()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case c.ctx.Err() != nil, errors.As(err, &ce):
				c.h.log.InfoContext(ctx, "ws.read.done", slog.String("err", err.Error()))
			default:
				c.h.log.WarnContext(ctx, "ws.read.fail", slog.String("err", err.Error()))
				c.closeWith(operation.CloseBadRequest, "invalid frame")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.h.pongWait))

		switch f.Type {
		case operation.FramePing:
			_ = c.send(ctx, operation.Frame{Type: operation.FramePong})
		case operation.FramePong:
		case operation.FrameSubscribe:
			if !c.start(ctx, f) {
				return
			}
		case operation.FrameComplete:
			c.stop(f.ID, nil)
		default:
			c.closeWith(operation.CloseBadRequest, fmt.Sprintf("unexpected %s frame", f.Type))
			c.h.log.InfoContext(ctx, "ws.frame.unexpected", slog.String("type", string(f.Type)))
			return
		}
	}
}

// start registers and launches the operation of a subscribe frame. It
// reports false when the connection must be closed.
func (c *wsConn) start(ctx context.Context, f operation.Frame) bool {
	if f.ID == "" {
		c.closeWith(operation.CloseBadRequest, "subscribe requires an id")
		return false
	}

	var req operation.Request
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		_ = c.sendErrors(ctx, f.ID, fmt.Errorf("%w: invalid subscribe payload", operation.ErrBadRequest))
		return true
	}

	opCtx, cancel := context.WithCancel(ctx)
	opCtx = logctx.WithStreamData(opCtx, &logctx.StreamData{Transport: "websocket", StreamID: f.ID})
	opCtx = logctx.WithOperationData(opCtx, &logctx.OperationData{Kind: string(req.Kind), Name: req.Operation})
	op := &wsOp{cancel: cancel}

	c.mu.Lock()
	if _, dup := c.ops[f.ID]; dup {
		c.mu.Unlock()
		cancel()
		c.closeWith(operation.CloseDuplicateID, fmt.Sprintf("operation %s already exists", f.ID))
		return false
	}
	c.ops[f.ID] = op
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer c.stop(f.ID, op)
		c.run(opCtx, f.ID, req)
	}()
	return true
}

// stop cancels the operation registered under id. When op is not nil only
// that exact registration is removed, so a finished operation cannot cancel
// a newer one that reused its id.
func (c *wsConn) stop(id string, op *wsOp) {
	c.mu.Lock()
	cur, ok := c.ops[id]
	if ok && op != nil && cur != op {
		ok = false
	}
	if ok {
		delete(c.ops, id)
	}
	c.mu.Unlock()

	if ok {
		cur.cancel()
	}
	if op != nil {
		op.cancel()
	}
}

func (c *wsConn) run(ctx context.Context, id string, req operation.Request) {
	c.h.log.InfoContext(ctx, "ws.op.start")

	if err := req.Validate(); err != nil {
		_ = c.sendErrors(ctx, id, err)
		return
	}
	class, err := operation.Classify(req.Kind)
	if err != nil {
		_ = c.sendErrors(ctx, id, err)
		return
	}

	switch class {
	case operation.ClassRequest:
		resp := c.h.svc.Execute(ctx, req)
		if len(resp.Errors) > 0 {
			_ = c.sendFrame(ctx, operation.FrameError, id, resp.Errors)
			return
		}
		if err := c.sendFrame(ctx, operation.FrameNext, id, resp); err != nil {
			return
		}
		_ = c.sendFrame(ctx, operation.FrameComplete, id, nil)

	case operation.ClassStream:
		sub, err := c.h.svc.OpenMessageAdded(ctx)
		if err != nil {
			_ = c.sendErrors(ctx, id, err)
			return
		}
		err = sub.Forward(ctx, func(msg chat.Message) error {
			resp, err := operation.NewDataResponse(msg)
			if err != nil {
				return err
			}
			return c.sendFrame(ctx, operation.FrameNext, id, resp)
		})
		if ctx.Err() != nil {
			// Completed by the client or the connection went away.
			c.h.log.InfoContext(ctx, "ws.op.done")
			return
		}
		if err != nil {
			c.h.log.InfoContext(ctx, "ws.op.fail", slog.String("err", err.Error()))
			_ = c.sendErrors(ctx, id, err)
			return
		}
		_ = c.sendFrame(ctx, operation.FrameComplete, id, nil)
	}
}

func (c *wsConn) sendErrors(ctx context.Context, id string, err error) error {
	return c.sendFrame(ctx, operation.FrameError, id, operation.NewErrorResponse(err).Errors)
}

func (c *wsConn) sendFrame(ctx context.Context, typ operation.FrameType, id string, payload any) error {
	f, err := operation.NewFrame(typ, id, payload)
	if err != nil {
		return err
	}
	return c.send(ctx, f)
}

// send queues f for the writer. It blocks while the socket is backed up,
// which in turn lets the bus drop events for this subscriber only.
func (c *wsConn) send(ctx context.Context, f operation.Frame) error {
	select {
	case c.out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
