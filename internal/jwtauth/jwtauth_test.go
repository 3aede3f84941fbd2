package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv       *httptest.Server
	issuer    string
	jwksPath  string
	metaExtra map[string]any
}

func newMockOIDC(t *testing.T, keysJSON []byte, metaExtra map[string]any) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys", metaExtra: metaExtra}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + m.jwksPath,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		}
		for k, v := range m.metaExtra {
			meta[k] = v
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set issuer lazily to current server URL
		if m.issuer == "" {
			m.issuer = m.srv.URL
		}
		handler.ServeHTTP(w, r)
	}))
	m.issuer = m.srv.URL
	return m
}

func (m *mockOIDC) Close() { m.srv.Close() }

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, headerTyp string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if headerTyp != "" {
		tok.Header["typ"] = headerTyp
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseConfig(issuer, aud string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{aud}
	cfg.Leeway = 0
	cfg.RequireAccessTokenType = true
	return cfg
}

func newDiscovery(t *testing.T, oidc *mockOIDC, cfg *Config) Authenticator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return a
}

func userClaims(issuer, aud string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": issuer,
		"sub": "user-123",
		"aud": aud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
}

func TestAuthenticator_HappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://chat.example.com/graphql"
	a := newDiscovery(t, oidc, baseConfig(oidc.issuer, aud))

	claims := userClaims(oidc.issuer, aud)
	claims["scope"] = "chat:read chat:write"
	tok := signToken(t, pk, kid, "at+jwt", claims)

	ui, err := a.CheckAuthentication(context.Background(), tok)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("want sub user-123, got %s", ui.UserID())
	}

	var out struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if out.Scope != "chat:read chat:write" {
		t.Fatalf("scope roundtrip mismatch: %q", out.Scope)
	}
}

func TestAuthenticator_DiscoveryMissingJWKS(t *testing.T) {
	_, _, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, map[string]any{"jwks_uri": ""})
	defer oidc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := NewFromDiscovery(ctx, baseConfig(oidc.issuer, "aud")); err == nil {
		t.Fatal("expected error due to missing jwks_uri")
	}
}

func TestAuthenticator_AudienceArray(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://chat.example.com/graphql"
	a := newDiscovery(t, oidc, baseConfig(oidc.issuer, aud))

	claims := userClaims(oidc.issuer, aud)
	claims["aud"] = []string{"https://other", aud}
	tok := signToken(t, pk, kid, "at+jwt", claims)

	if _, err := a.CheckAuthentication(context.Background(), tok); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestAuthenticator_AdditionalAudiences(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	primary := "https://chat.example.com/graphql"
	extra := "http://localhost:9000/graphql"
	cfg := baseConfig(oidc.issuer, primary)
	cfg.ExpectedAudiences = []string{primary, extra}
	a := newDiscovery(t, oidc, cfg)

	tok := signToken(t, pk, kid, "at+jwt", userClaims(oidc.issuer, extra))
	if _, err := a.CheckAuthentication(context.Background(), tok); err != nil {
		t.Fatalf("check (extra audience) failed: %v", err)
	}

	tok2 := signToken(t, pk, kid, "at+jwt", userClaims(oidc.issuer, "https://unknown"))
	if _, err := a.CheckAuthentication(context.Background(), tok2); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown audience, got %v", err)
	}
}

func TestAuthenticator_Scopes(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://chat.example.com/graphql"

	tests := []struct {
		name    string
		anyMode bool
		scope   string
		wantErr error
	}{
		{name: "all present", scope: "chat:write chat:admin"},
		{name: "one missing", scope: "chat:write", wantErr: ErrInsufficientScope},
		{name: "any mode one present", anyMode: true, scope: "chat:write"},
		{name: "any mode none present", anyMode: true, scope: "other", wantErr: ErrInsufficientScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(oidc.issuer, aud)
			cfg.RequiredScopes = []string{"chat:write", "chat:admin"}
			cfg.ScopeModeAny = tt.anyMode
			a := newDiscovery(t, oidc, cfg)

			claims := userClaims(oidc.issuer, aud)
			claims["scope"] = tt.scope
			_, err := a.CheckAuthentication(context.Background(), signToken(t, pk, kid, "at+jwt", claims))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("check: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("want %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAuthenticator_InvalidTyp(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://chat.example.com/graphql"
	a := newDiscovery(t, oidc, baseConfig(oidc.issuer, aud))

	tok := signToken(t, pk, kid, "JWT", userClaims(oidc.issuer, aud))
	if _, err := a.CheckAuthentication(context.Background(), tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestAuthenticator_IssuerMismatch(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://chat.example.com/graphql"
	a := newDiscovery(t, oidc, baseConfig(oidc.issuer, aud))

	tok := signToken(t, pk, kid, "at+jwt", userClaims("https://evil.example.com", aud))
	if _, err := a.CheckAuthentication(context.Background(), tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestJWKS_Static(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://chat.example.com/graphql"
	cfg := baseConfig(oidc.issuer, aud)
	cfg.RequireAccessTokenType = false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewJWKS(ctx, cfg, oidc.issuer+oidc.jwksPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ui, err := a.CheckAuthentication(ctx, signToken(t, pk, kid, "", userClaims(oidc.issuer, aud)))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("want sub user-123, got %s", ui.UserID())
	}

	if _, err := NewJWKS(ctx, cfg, ""); err == nil {
		t.Fatal("expected error for missing jwks uri")
	}
}

func TestHMAC(t *testing.T) {
	secret := []byte("s3cret")
	cfg := DefaultConfig()
	cfg.Issuer = "chat-dev"
	a, err := NewHMAC(cfg, secret)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	sign := func(key []byte, claims jwt.MapClaims) string {
		t.Helper()
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	now := time.Now()
	valid := jwt.MapClaims{"iss": "chat-dev", "sub": "alice", "exp": now.Add(time.Hour).Unix()}

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "valid", token: sign(secret, valid)},
		{name: "empty", token: "", wantErr: true},
		{name: "wrong secret", token: sign([]byte("other"), valid), wantErr: true},
		{name: "expired", token: sign(secret, jwt.MapClaims{"iss": "chat-dev", "sub": "alice", "exp": now.Add(-time.Hour).Unix()}), wantErr: true},
		{name: "no exp", token: sign(secret, jwt.MapClaims{"iss": "chat-dev", "sub": "alice"}), wantErr: true},
		{name: "missing sub", token: sign(secret, jwt.MapClaims{"iss": "chat-dev", "exp": now.Add(time.Hour).Unix()}), wantErr: true},
		{name: "wrong issuer", token: sign(secret, jwt.MapClaims{"iss": "elsewhere", "sub": "alice", "exp": now.Add(time.Hour).Unix()}), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ui, err := a.CheckAuthentication(context.Background(), tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Fatalf("want ErrUnauthorized, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if ui.UserID() != "alice" {
				t.Fatalf("want sub alice, got %s", ui.UserID())
			}
		})
	}

	if _, err := NewHMAC(DefaultConfig(), nil); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
