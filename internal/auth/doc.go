// Package auth provides authentication for archive-gateway.
//
// # Tokens
//
// Clients authenticate with HS256 JWTs issued out of band, for example with
// `archive-gateway token alice@example.com`. The "sub" claim names the
// account's bare JID and "exp" is required:
//
//	v, err := auth.NewJWTVerifier(secret) // secret must be >= 32 bytes
//	token, err := v.Generate("alice@example.com", 24*time.Hour)
//	bare, err := v.Verify(token)
//
// Authorization policy is out of scope: a valid token for an account grants
// that account's streams and archive view.
//
// # HTTP
//
// HTTPAuthMiddleware protects the history API. The token is read from the
// Authorization header, or from the token query parameter when the header is
// absent (WebSocket handshakes from browsers). The caller's JID is placed in
// the request context:
//
//	ac := auth.FromContext(r.Context())
//	ac.JID // "alice@example.com"
package auth
