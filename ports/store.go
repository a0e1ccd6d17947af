package ports

import (
	"context"
	"time"

	"github.com/layer-3/warden/core"
)

// CredentialStore is the durable home of the session credential.
// Writes are linearized by the store; last write wins.
type CredentialStore interface {
	// Get returns the stored credential, or the zero credential when none is stored
	Get(ctx context.Context) (core.Credential, error)

	// Set replaces the stored credential
	Set(ctx context.Context, credential core.Credential) error

	// Clear removes the stored credential
	Clear(ctx context.Context) error

	// Subscribe streams every change. The current value is delivered first.
	// The channel is closed when ctx is done or the stream breaks.
	Subscribe(ctx context.Context) (<-chan core.Credential, error)
}

// RevocationStore records token identifiers revoked by the reference auth server
type RevocationStore interface {
	InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error

	// RevokeToken invalidates tokenID unless it already is, and reports
	// whether this call did it
	RevokeToken(ctx context.Context, tokenID string, expiry time.Duration) (bool, error)
	IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error)
}
