package tokenizer

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

// ClaimsReader reads the validity window of a JWT credential without
// verifying it. The client holds no verification key; the result only
// schedules renewal and never decides whether a credential is valid.
type ClaimsReader struct {
	parser *jwt.Parser
}

// NewClaimsReader creates a ClaimsReader
func NewClaimsReader() *ClaimsReader {
	return &ClaimsReader{parser: jwt.NewParser()}
}

// Validity returns the iat and exp claims of credential
func (r *ClaimsReader) Validity(credential core.Credential) (issuedAt, expiresAt time.Time, ok bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := r.parser.ParseUnverified(credential.String(), &claims); err != nil {
		return time.Time{}, time.Time{}, false
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return time.Time{}, time.Time{}, false
	}
	return claims.IssuedAt.Time, claims.ExpiresAt.Time, true
}

var _ ports.LifetimeReader = (*ClaimsReader)(nil)
