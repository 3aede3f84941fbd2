package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := Default()
	if cfg.Listen != want.Listen || cfg.Endpoint != want.Endpoint {
		t.Errorf("got listen=%q endpoint=%q, want %q %q", cfg.Listen, cfg.Endpoint, want.Listen, want.Endpoint)
	}
	if cfg.Store.Backend != StoreMemory {
		t.Errorf("Store.Backend = %q, want %q", cfg.Store.Backend, StoreMemory)
	}
	if cfg.Chat.MaxMessageLength != 4096 {
		t.Errorf("MaxMessageLength = %d, want 4096", cfg.Chat.MaxMessageLength)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Auth.Mode != AuthHMAC {
		t.Errorf("Auth.Mode = %q, want %q", cfg.Auth.Mode, AuthHMAC)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
listen: ":8080"
endpoint: "https://chat.example.com/graphql"
log:
  level: debug
  format: json
store:
  backend: redis
  redis_addr: "redis:6379"
auth:
  secret: from-file
  token_ttl: 1h
chat:
  buffer_size: 8
`)

	t.Setenv("CHAT_LISTEN", ":7070")
	t.Setenv("CHAT_MAX_MESSAGE_LENGTH", "280")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen != ":7070" {
		t.Errorf("Listen = %q, env should override file", cfg.Listen)
	}
	if cfg.Endpoint != "https://chat.example.com/graphql" {
		t.Errorf("Endpoint = %q, want file value", cfg.Endpoint)
	}
	if cfg.Store.Backend != StoreRedis || cfg.Store.RedisAddr != "redis:6379" {
		t.Errorf("Store = %+v, want file values", cfg.Store)
	}
	if cfg.Store.RedisKeyPrefix != "chat:" {
		t.Errorf("RedisKeyPrefix = %q, default should survive a partial file", cfg.Store.RedisKeyPrefix)
	}
	if cfg.Auth.Secret != "from-file" || cfg.Auth.TokenTTL != time.Hour {
		t.Errorf("Auth = %+v, want file values", cfg.Auth)
	}
	if cfg.Chat.BufferSize != 8 || cfg.Chat.MaxMessageLength != 280 {
		t.Errorf("Chat = %+v, want buffer 8 and max 280", cfg.Chat)
	}
	lvl, err := cfg.Log.SlogLevel()
	if err != nil || lvl != slog.LevelDebug {
		t.Errorf("SlogLevel() = %v, %v; want debug", lvl, err)
	}
}

func TestLoad_ParseError(t *testing.T) {
	path := writeFile(t, "listen: [unterminated")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse config file") {
		t.Fatalf("Load = %v, want parse error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "relative endpoint", mutate: func(c *Config) { c.Endpoint = "/graphql" }, want: "endpoint"},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }, want: "log level"},
		{name: "bad format", mutate: func(c *Config) { c.Log.Format = "xml" }, want: "log format"},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Backend = "sqlite" }, want: "store backend"},
		{name: "redis without addr", mutate: func(c *Config) {
			c.Store.Backend = StoreRedis
			c.Store.RedisAddr = ""
		}, want: "redis_addr"},
		{name: "jwks without url", mutate: func(c *Config) { c.Auth.Mode = AuthJWKS }, want: "jwks_url"},
		{name: "oidc without audience", mutate: func(c *Config) { c.Auth.Mode = AuthOIDC }, want: "issuer and audience"},
		{name: "unknown auth", mutate: func(c *Config) { c.Auth.Mode = "basic" }, want: "auth mode"},
		{name: "zero buffer", mutate: func(c *Config) { c.Chat.BufferSize = 0 }, want: "buffer_size"},
		{name: "zero max length", mutate: func(c *Config) { c.Chat.MaxMessageLength = 0 }, want: "max_message_length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}
