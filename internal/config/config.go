// Package config loads chat server and client configuration. Values start
// from Default, are overlaid by an optional YAML file and finally by
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Auth modes.
const (
	AuthHMAC = "hmac"
	AuthJWKS = "jwks"
	AuthOIDC = "oidc"
)

// Log formats.
const (
	LogText = "text"
	LogJSON = "json"
)

// Config is the full configuration. Env tags carry no defaults so that a
// value loaded from the file survives when the variable is unset.
type Config struct {
	Listen   string `yaml:"listen" env:"CHAT_LISTEN"`
	Endpoint string `yaml:"endpoint" env:"CHAT_ENDPOINT"`

	Log   Log   `yaml:"log"`
	Store Store `yaml:"store"`
	Auth  Auth  `yaml:"auth"`
	Chat  Chat  `yaml:"chat"`
}

type Log struct {
	Level  string `yaml:"level" env:"CHAT_LOG_LEVEL"`
	Format string `yaml:"format" env:"CHAT_LOG_FORMAT"`
}

type Store struct {
	Backend        string `yaml:"backend" env:"CHAT_STORE"`
	RedisAddr      string `yaml:"redis_addr" env:"CHAT_REDIS_ADDR"`
	RedisKeyPrefix string `yaml:"redis_key_prefix" env:"CHAT_REDIS_KEY_PREFIX"`
}

type Auth struct {
	Mode      string        `yaml:"mode" env:"CHAT_AUTH_MODE"`
	Secret    string        `yaml:"secret" env:"CHAT_AUTH_SECRET"`
	Issuer    string        `yaml:"issuer" env:"CHAT_AUTH_ISSUER"`
	Audience  string        `yaml:"audience" env:"CHAT_AUTH_AUDIENCE"`
	JWKSURL   string        `yaml:"jwks_url" env:"CHAT_AUTH_JWKS_URL"`
	Scopes    []string      `yaml:"scopes" env:"CHAT_AUTH_SCOPES"`
	CacheSize int           `yaml:"cache_size" env:"CHAT_AUTH_CACHE_SIZE"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"CHAT_AUTH_TOKEN_TTL"`
}

type Chat struct {
	BufferSize       int `yaml:"buffer_size" env:"CHAT_BUFFER_SIZE"`
	MaxMessageLength int `yaml:"max_message_length" env:"CHAT_MAX_MESSAGE_LENGTH"`
}

// Default returns the configuration used for a local development server.
func Default() Config {
	return Config{
		Listen:   ":9000",
		Endpoint: "http://localhost:9000/graphql",
		Log:      Log{Level: "info", Format: LogText},
		Store: Store{
			Backend:        StoreMemory,
			RedisAddr:      "localhost:6379",
			RedisKeyPrefix: "chat:",
		},
		Auth: Auth{
			Mode:      AuthHMAC,
			Issuer:    "chat",
			CacheSize: 1024,
			TokenTTL:  24 * time.Hour,
		},
		Chat: Chat{
			BufferSize:       64,
			MaxMessageLength: 4096,
		},
	}
}

// Load reads path (when non-empty and present) over Default, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("endpoint %q must be an absolute http(s) URL", c.Endpoint))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case LogText, LogJSON:
	default:
		errs = append(errs, fmt.Errorf("log format %q must be %q or %q", c.Log.Format, LogText, LogJSON))
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("redis store requires redis_addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	switch c.Auth.Mode {
	case AuthHMAC:
		// The secret is checked by commands that need it; clients never do.
	case AuthJWKS:
		if c.Auth.JWKSURL == "" {
			errs = append(errs, errors.New("jwks auth requires jwks_url"))
		}
	case AuthOIDC:
		if c.Auth.Issuer == "" || c.Auth.Audience == "" {
			errs = append(errs, errors.New("oidc auth requires issuer and audience"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth mode %q", c.Auth.Mode))
	}

	if c.Chat.BufferSize < 1 {
		errs = append(errs, fmt.Errorf("buffer_size must be positive, got %d", c.Chat.BufferSize))
	}
	if c.Chat.MaxMessageLength < 1 {
		errs = append(errs, fmt.Errorf("max_message_length must be positive, got %d", c.Chat.MaxMessageLength))
	}

	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", l.Level, err)
	}
	return lvl, nil
}
