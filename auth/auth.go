package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were
// supplied. The Access Guard returns it for any context without a user.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

type userKey struct{}

// WithUser returns a copy of ctx carrying the authenticated user.
func WithUser(ctx context.Context, user UserInfo) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the user carried by ctx, if any.
func UserFromContext(ctx context.Context) (UserInfo, bool) {
	user, ok := ctx.Value(userKey{}).(UserInfo)
	if !ok || user == nil || user.UserID() == "" {
		return nil, false
	}
	return user, true
}

// RequireUser is the access guard run first by every chat operation. It has
// no side effects and fails with ErrUnauthorized when ctx carries no user.
func RequireUser(ctx context.Context) (UserInfo, error) {
	user, ok := UserFromContext(ctx)
	if !ok {
		return nil, ErrUnauthorized
	}
	return user, nil
}

// User is a UserInfo without claims. It is what transports attach when the
// identity is known but no token claims are available, and what tests use.
type User string

func (u User) UserID() string       { return string(u) }
func (u User) Claims(ref any) error { return nil }
