package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/ggoodman/chat-server-go/auth"
	busmemory "github.com/ggoodman/chat-server-go/bus/memory"
	"github.com/ggoodman/chat-server-go/chat"
	"github.com/ggoodman/chat-server-go/chathttp"
	"github.com/ggoodman/chat-server-go/chatservice"
	"github.com/ggoodman/chat-server-go/internal/config"
	storememory "github.com/ggoodman/chat-server-go/storage/memory"
	storeredis "github.com/ggoodman/chat-server-go/storage/redis"
)

type ServeCmd struct {
	flags *Flags

	listen          string
	shutdownTimeout time.Duration
}

// NewServeCmd creates a new serve command
func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

// Register adds the serve command to the application
func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "serve",
		Usage:     "Run the chat server",
		UsageText: "chat serve [options]",
		Description: `Serve the chat endpoint over HTTP.

POST carries queries and mutations. GET upgrades to a WebSocket for
subscriptions, or streams messageAdded as server-sent events.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "listen",
				Aliases:     []string{"l"},
				Usage:       "address to listen on (overrides config)",
				Destination: &cmd.listen,
			},
			&cli.DurationFlag{
				Name:        "shutdown-timeout",
				Usage:       "time allowed for in-flight requests on shutdown",
				Value:       10 * time.Second,
				Destination: &cmd.shutdownTimeout,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := *cmd.flags.Config
	if cmd.listen != "" {
		cfg.Listen = cmd.listen
	}
	log := cmd.flags.Logger

	srv, err := NewServer(ctx, &cfg, log)
	if err != nil {
		return err
	}
	defer srv.Close()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	hs := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(ln) }()
	log.InfoContext(ctx, "server.start",
		slog.String("addr", ln.Addr().String()),
		slog.String("endpoint", cfg.Endpoint),
		slog.String("store", cfg.Store.Backend),
		slog.String("auth", cfg.Auth.Mode),
	)

	select {
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cmd.shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		log.WarnContext(ctx, "server.shutdown.fail", slog.String("err", err.Error()))
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.InfoContext(ctx, "server.stop")
	return nil
}

// Server is the fully wired chat endpoint.
type Server struct {
	http.Handler

	closers []io.Closer
}

// NewServer wires the store, bus, service and authenticator described by cfg
// behind the chat HTTP handler. Streaming connections end when ctx is done.
func NewServer(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Server, error) {
	s := &Server{}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if cl, ok := store.(io.Closer); ok {
		s.closers = append(s.closers, cl)
	}

	bus := busmemory.New(busmemory.WithBufferSize(cfg.Chat.BufferSize), busmemory.WithLogger(log))
	s.closers = append(s.closers, bus)

	svc, err := chatservice.New(store, bus,
		chatservice.WithLogger(log),
		chatservice.WithMaxMessageLength(cfg.Chat.MaxMessageLength),
	)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	authn, err := newAuthenticator(ctx, cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	h, err := chathttp.New(ctx, cfg.Endpoint, svc, authn,
		chathttp.WithLogger(log),
		chathttp.WithRealm("chat"),
	)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Handler = h
	return s, nil
}

// Close releases the bus and the store.
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, sc config.Store) (chat.Store, error) {
	switch sc.Backend {
	case config.StoreMemory:
		return storememory.New(), nil
	case config.StoreRedis:
		st, err := storeredis.Dial(ctx, sc.RedisAddr, sc.RedisKeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}
}

func newAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	ac := cfg.Auth

	var opts []auth.AccessTokenAuthOption
	if len(ac.Scopes) > 0 {
		opts = append(opts, auth.WithRequiredScopes(ac.Scopes...))
	}

	var (
		authn auth.Authenticator
		err   error
	)
	switch ac.Mode {
	case config.AuthHMAC:
		if ac.Secret == "" {
			return nil, errors.New("hmac auth requires a secret")
		}
		audience := ac.Audience
		if audience == "" {
			audience = cfg.Endpoint
		}
		opts = append(opts, auth.WithAudience(audience))
		authn, err = auth.NewHMAC(ac.Issuer, []byte(ac.Secret), opts...)
	case config.AuthJWKS:
		authn, err = auth.NewJWKS(ctx, ac.Issuer, ac.Audience, ac.JWKSURL, opts...)
	case config.AuthOIDC:
		authn, err = auth.NewFromDiscovery(ctx, ac.Issuer, ac.Audience, opts...)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", ac.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s authenticator: %w", ac.Mode, err)
	}

	if ac.CacheSize > 0 {
		return auth.NewCaching(authn, ac.CacheSize)
	}
	return authn, nil
}
