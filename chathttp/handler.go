package chathttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ggoodman/chat-server-go/auth"
	"github.com/ggoodman/chat-server-go/chatservice"
	"github.com/ggoodman/chat-server-go/internal/logctx"
	"github.com/ggoodman/chat-server-go/operation"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	maxRequestBytes = 1 << 20
)

// Defaults for the streaming transports.
const (
	DefaultInitTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultPongWait     = 60 * time.Second
)

// Service is the chat service the handler exposes.
type Service interface {
	Execute(ctx context.Context, req operation.Request) operation.Response
	OpenMessageAdded(ctx context.Context) (*chatservice.Subscription, error)
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before an operation envelope can be decoded.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeResponse writes an operation response envelope.
func writeResponse(w http.ResponseWriter, status int, resp operation.Response) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	realm        string
	initTimeout  time.Duration
	writeTimeout time.Duration
	pongWait     time.Duration
	checkOrigin  func(r *http.Request) bool
}

// WithLogger sets the logger used by the handler. If not provided,
// slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithInitTimeout bounds how long a WebSocket client may take to send
// connection_init after the upgrade.
func WithInitTimeout(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.initTimeout = d
		}
	}
}

// WithWriteTimeout bounds a single write on a streaming connection.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithPongWait sets how long a WebSocket peer may stay silent before the
// connection is considered dead. Pings are sent at 9/10 of this interval, and
// SSE streams emit a keep-alive comment at the same rate.
func WithPongWait(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.pongWait = d
		}
	}
}

// WithCheckOrigin overrides the WebSocket origin check. By default the
// Origin header, when present, must match the request host.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(c *newConfig) { c.checkOrigin = fn }
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if params != nil {
		if v, ok := params["error"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
		}
		if v, ok := params["error_description"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// Handler serves the chat endpoint. A single path carries every transport:
//
//	POST                                 request-class operations
//	GET + Upgrade: websocket             multiplexed streaming protocol
//	GET + Accept: text/event-stream      messageAdded as server-sent events
//	GET <path>/schema                    JSON Schema of the wire contract
type Handler struct {
	ctx      context.Context
	mux      *http.ServeMux
	log      *slog.Logger
	svc      Service
	auth     auth.Authenticator
	realm    string
	upgrader websocket.Upgrader
	schema   []byte

	initTimeout  time.Duration
	writeTimeout time.Duration
	pongWait     time.Duration
}

// New constructs a Handler serving the chat endpoint at the path of
// publicEndpoint. Streaming connections are closed when ctx is done.
func New(ctx context.Context, publicEndpoint string, svc Service, authenticator auth.Authenticator, opts ...Option) (*Handler, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if svc == nil {
		return nil, fmt.Errorf("service is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	endpoint, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL %q: %w", publicEndpoint, err)
	}
	if endpoint.Scheme != "https" && endpoint.Scheme != "http" {
		return nil, fmt.Errorf("endpoint URL must use HTTP or HTTPS scheme, got %q", endpoint.Scheme)
	}

	cfg := &newConfig{
		logger:       slog.Default(),
		initTimeout:  DefaultInitTimeout,
		writeTimeout: DefaultWriteTimeout,
		pongWait:     DefaultPongWait,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	schema, err := buildSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to build schema: %w", err)
	}

	h := &Handler{
		ctx:   ctx,
		log:   slog.New(logctx.Wrap(cfg.logger.Handler())),
		svc:   svc,
		auth:  authenticator,
		realm: cfg.realm,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{operation.Subprotocol},
			CheckOrigin:  cfg.checkOrigin,
		},
		schema:       schema,
		initTimeout:  cfg.initTimeout,
		writeTimeout: cfg.writeTimeout,
		pongWait:     cfg.pongWait,
	}

	path := pathOnly(endpoint)
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", path), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", path), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("GET %s", strings.TrimSuffix(path, "/")+"/schema"), h.handleSchema)
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handlePost serves request-class operations.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	ctx, fail := h.authenticate(ctx, r.Header.Get(authorizationHeader))
	if fail != nil {
		h.rejectAuth(w, fail)
		return
	}

	var req operation.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		writeResponse(w, http.StatusBadRequest, operation.NewErrorResponse(fmt.Errorf("%w: invalid JSON body", operation.ErrBadRequest)))
		return
	}

	resp := h.svc.Execute(ctx, req)
	status := statusFor(resp)
	if status == http.StatusUnauthorized {
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
	}
	writeResponse(w, status, resp)

	h.log.InfoContext(ctx, "http.post.ok", slog.Int("status", status), slog.Duration("dur", time.Since(start)))
}

// handleGet serves the streaming transports.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.handleWebSocket(w, r)
		return
	}
	h.handleSSE(w, r)
}

func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(h.schema)
}

// statusFor maps the first error of resp to an HTTP status.
func statusFor(resp operation.Response) int {
	if len(resp.Errors) == 0 {
		return http.StatusOK
	}
	switch resp.Errors[0].Code {
	case operation.CodeUnauthorized:
		return http.StatusUnauthorized
	case operation.CodeBadUserInput, operation.CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// authFailure describes a rejected Authorization header.
type authFailure struct {
	status int
	params map[string]string
	err    error
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(header string) (string, error) {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(header, bearerPrefix) || len(header) <= len(bearerPrefix) {
		return "", errors.New("malformed bearer authorization header")
	}
	tok := strings.TrimSpace(header[len(bearerPrefix):])
	if tok == "" {
		return "", errors.New("empty bearer token")
	}
	return tok, nil
}

// authenticate validates an Authorization header value and returns ctx
// carrying the authenticated user. An empty header is not a failure: the
// context is returned without a user and the access guard rejects whatever
// operation it reaches.
func (h *Handler) authenticate(ctx context.Context, header string) (context.Context, *authFailure) {
	if header == "" {
		h.log.InfoContext(ctx, "auth.check.missing")
		return ctx, nil
	}

	tok, err := bearerToken(header)
	if err != nil {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", err.Error()))
		return ctx, &authFailure{
			status: http.StatusBadRequest,
			params: map[string]string{"error": "invalid_request", "error_description": err.Error()},
			err:    errors.Join(auth.ErrUnauthorized, err),
		}
	}

	user, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		switch {
		case errors.Is(err, auth.ErrInsufficientScope):
			return ctx, &authFailure{
				status: http.StatusForbidden,
				params: map[string]string{"error": "insufficient_scope", "error_description": err.Error()},
				err:    err,
			}
		case errors.Is(err, auth.ErrUnauthorized):
			return ctx, &authFailure{
				status: http.StatusUnauthorized,
				params: map[string]string{"error": "invalid_token", "error_description": err.Error()},
				err:    err,
			}
		default:
			return ctx, &authFailure{status: http.StatusInternalServerError, err: err}
		}
	}

	ctx = auth.WithUser(ctx, user)
	ctx = logctx.WithUserData(ctx, &logctx.UserData{UserID: user.UserID()})
	h.log.InfoContext(ctx, "auth.ok")
	return ctx, nil
}

func (h *Handler) rejectAuth(w http.ResponseWriter, fail *authFailure) {
	if fail.params != nil {
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, fail.params))
	}
	writeResponse(w, fail.status, operation.NewErrorResponse(fail.err))
}
