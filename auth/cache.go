package auth

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of verified tokens NewCaching remembers when
// size is not positive.
const DefaultCacheSize = 1024

type cachedUser struct {
	user      UserInfo
	expiresAt time.Time
}

type cachingAuthenticator struct {
	next  Authenticator
	cache *lru.Cache[string, cachedUser]
	now   func() time.Time
}

// NewCaching decorates next with an LRU of successfully verified tokens. A
// cached entry is honoured until the token's "exp" claim passes; failures are
// never cached.
func NewCaching(next Authenticator, size int) (Authenticator, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, cachedUser](size)
	if err != nil {
		return nil, err
	}
	return &cachingAuthenticator{next: next, cache: cache, now: time.Now}, nil
}

func (c *cachingAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if entry, ok := c.cache.Get(tok); ok {
		if c.now().Before(entry.expiresAt) {
			return entry.user, nil
		}
		c.cache.Remove(tok)
	}

	user, err := c.next.CheckAuthentication(ctx, tok)
	if err != nil {
		return nil, err
	}

	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := user.Claims(&claims); err == nil && claims.Exp > 0 {
		c.cache.Add(tok, cachedUser{user: user, expiresAt: time.Unix(claims.Exp, 0)})
	}
	return user, nil
}
