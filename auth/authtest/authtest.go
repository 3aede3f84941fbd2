// Package authtest provides authenticators for tests and local development.
package authtest

import (
	"context"

	"github.com/ggoodman/chat-server-go/auth"
)

// Tokens is an authenticator backed by a fixed token -> user id table.
// Unknown tokens fail with auth.ErrUnauthorized.
type Tokens map[string]string

// CheckAuthentication implements auth.Authenticator.
func (t Tokens) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	userID, ok := t[tok]
	if !ok || userID == "" {
		return nil, auth.ErrUnauthorized
	}
	return auth.User(userID), nil
}

var _ auth.Authenticator = Tokens(nil)
