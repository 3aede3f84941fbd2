// Package auth provides the identity primitives shared by every chat
// operation: bearer token authenticators, the context carriers for the
// resolved user and the access guard.
//
// The public surface stays small: an Authenticator validates an incoming
// bearer token string and returns a UserInfo (or an error). Transports extract
// the token, attach the resolved user to the request context with WithUser and
// leave the decision to RequireUser, which every handler calls first.
//
// # Authenticators
//
// NewFromDiscovery validates RFC 9068 access tokens using OpenID Connect
// discovery to obtain the issuer's JWKS. NewJWKS does the same against a fixed
// JWKS URL. NewHMAC accepts HS256 tokens signed with a shared secret, such as
// those minted by MintHMAC for development. NewCaching puts an LRU of verified
// tokens in front of any of them.
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://chat.example/graphql",
//	    auth.WithRequiredScopes("chat:write"),
//	)
//	if err != nil { log.Fatal(err) }
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.) or, from RequireUser, that no identity is present at all.
// ErrInsufficientScope signals successful authentication but missing
// required scope(s).
package auth
