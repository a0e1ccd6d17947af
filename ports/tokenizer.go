package ports

import (
	"time"

	"github.com/layer-3/warden/core"
)

// Tokenizer converts between grants and bearer tokens
type Tokenizer interface {
	GrantToToken(grant *core.Grant) (string, error)
	TokenToGrant(token string) (*core.Grant, error)
}

// LifetimeReader derives the validity window of an opaque credential.
// It never validates the credential; ok is false when nothing can be derived.
type LifetimeReader interface {
	Validity(credential core.Credential) (issuedAt, expiresAt time.Time, ok bool)
}
