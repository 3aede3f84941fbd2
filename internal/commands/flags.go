// Package commands implements the chat CLI subcommands.
package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ggoodman/chat-server-go/auth"
	"github.com/ggoodman/chat-server-go/client"
	"github.com/ggoodman/chat-server-go/internal/config"
	"github.com/ggoodman/chat-server-go/internal/logctx"
)

// Flags holds the global flags and the state the root Before hook derives
// from them.
type Flags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Endpoint   string
	Token      string
	User       string

	// Config and Logger are set in the Before hook and available to all commands.
	Config *config.Config
	Logger *slog.Logger
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, _ := os.UserHomeDir()
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "chat", "config.yaml")
}

// Setup loads the config file, applies flag overrides and builds the logger.
// Explicit flags win over file and environment values.
func (f *Flags) Setup(w io.Writer, set func(name string) bool) error {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if set("log-level") {
		cfg.Log.Level = f.LogLevel
	}
	if set("log-format") {
		cfg.Log.Format = f.LogFormat
	}
	if set("endpoint") {
		cfg.Endpoint = f.Endpoint
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := NewLogger(w, cfg.Log)
	if err != nil {
		return err
	}
	f.Config = cfg
	f.Logger = log
	return nil
}

// NewLogger builds the process logger. Records are decorated with the
// request, user and operation data carried by the context.
func NewLogger(w io.Writer, lc config.Log) (*slog.Logger, error) {
	lvl, err := lc.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch lc.Format {
	case config.LogJSON:
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.Wrap(h)), nil
}

// tokenSource picks the credentials for client commands: an explicit token,
// or a token minted for --user with the configured HMAC secret.
func (f *Flags) tokenSource() (client.TokenSource, error) {
	if f.Token != "" {
		return client.StaticToken(f.Token), nil
	}
	if f.User == "" {
		return nil, errors.New("either --token or --user is required")
	}
	tok, err := f.mintToken(f.User, f.Config.Auth.TokenTTL)
	if err != nil {
		return nil, err
	}
	return client.StaticToken(tok), nil
}

func (f *Flags) mintToken(userID string, ttl time.Duration) (string, error) {
	ac := f.Config.Auth
	if ac.Mode != config.AuthHMAC {
		return "", fmt.Errorf("minting tokens requires auth mode %q, got %q", config.AuthHMAC, ac.Mode)
	}
	if ac.Secret == "" {
		return "", errors.New("minting tokens requires an auth secret")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	audience := ac.Audience
	if audience == "" {
		audience = f.Config.Endpoint
	}
	return auth.MintHMAC([]byte(ac.Secret), ac.Issuer, audience, userID, ttl)
}

// newClient connects a client to the configured endpoint.
func (f *Flags) newClient() (*client.Client, error) {
	tokens, err := f.tokenSource()
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{
		Endpoint: f.Config.Endpoint,
		Tokens:   tokens,
		Logger:   f.Logger,
	})
}

