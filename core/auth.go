package core

import (
	"strings"
	"time"
)

// Credential is the opaque bearer token of the active session.
// The zero value means no credential is held.
type Credential string

// IsZero reports whether the credential is absent
func (c Credential) IsZero() bool {
	return c == ""
}

// String returns the raw bearer value
func (c Credential) String() string {
	return string(c)
}

// Redacted returns a form of the credential that is safe to log
func (c Credential) Redacted() string {
	if len(c) <= 8 {
		return "[redacted]"
	}
	return string(c[:4]) + "…" + string(c[len(c)-4:])
}

// Identity represents the subject a credential was verified for
type Identity struct {
	Subject   string    // Identifier the credential was issued to
	ExpiresAt time.Time // When the credential expires, zero if unknown
}

// ExpirationEvent is a single-use signal that the session was invalidated
type ExpirationEvent struct {
	ID     string    // Unique identifier of the expiration
	At     time.Time // When the invalidation was processed
	Reason string    // What detected the invalidation
}

// Grant represents an access token issued by the reference auth server
type Grant struct {
	ID        string    // Unique token identifier (jti)
	Subject   string    // Identifier the grant was issued to
	IssuedAt  time.Time // When the grant was issued
	ExpiresAt time.Time // When the grant expires
}

// Lifetime returns the full validity window of the grant
func (g Grant) Lifetime() time.Duration {
	return g.ExpiresAt.Sub(g.IssuedAt)
}

// Bearer returns the Authorization header value for the credential.
// A "Bearer " prefix already carried by the credential is not repeated.
func (c Credential) Bearer() string {
	v := strings.TrimSpace(string(c))
	if len(v) >= len(bearerPrefix) && strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		v = strings.TrimSpace(v[len(bearerPrefix):])
	}
	return bearerPrefix + v
}

const bearerPrefix = "Bearer "
