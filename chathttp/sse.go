package chathttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/chat-server-go/chat"
	"github.com/ggoodman/chat-server-go/internal/logctx"
	"github.com/ggoodman/chat-server-go/operation"
)

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes a single Server-Sent Event and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// handleSSE streams messageAdded as server-sent events. One event is written
// per published message, with the message id as the event id.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must include text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	name := r.URL.Query().Get("operation")
	if name == "" {
		name = operation.MessageAdded
	}
	if kind, ok := operation.KindOf(name); !ok || kind != operation.KindSubscription {
		writeResponse(w, http.StatusBadRequest, operation.NewErrorResponse(
			fmt.Errorf("%w: %q is not a subscription", operation.ErrBadRequest, name)))
		h.log.WarnContext(ctx, "sse.operation.invalid", slog.String("operation", name))
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	ctx, fail := h.authenticate(ctx, r.Header.Get(authorizationHeader))
	if fail != nil {
		h.rejectAuth(w, fail)
		return
	}
	ctx = logctx.WithOperationData(ctx, &logctx.OperationData{Kind: string(operation.KindSubscription), Name: name})

	sub, err := h.svc.OpenMessageAdded(ctx)
	if err != nil {
		status := statusFor(operation.NewErrorResponse(err))
		if status == http.StatusUnauthorized {
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		}
		writeResponse(w, status, operation.NewErrorResponse(err))
		h.log.InfoContext(ctx, "sse.open.fail", slog.String("err", err.Error()))
		return
	}
	defer sub.Close()

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.sseKeepAlive(streamCtx, cancel, wf)

	err = sub.Forward(streamCtx, func(msg chat.Message) error {
		resp, err := operation.NewDataResponse(msg)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		if err := writeSSEEvent(wf, msg.ID, payload); err != nil {
			h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		return nil
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	default:
		h.log.InfoContext(ctx, "sse.stream.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
	}
}

// sseKeepAlive writes a comment line periodically so that intermediaries do
// not time the stream out. A failed write cancels the stream.
func (h *Handler) sseKeepAlive(ctx context.Context, cancel context.CancelFunc, wf *lockedWriteFlusher) {
	t := time.NewTicker(h.pongWait * 9 / 10)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := wf.Write([]byte(": keep-alive\n\n")); err != nil {
				cancel()
				return
			}
			wf.Flush()
		}
	}
}
