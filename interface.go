package warden

import (
	"context"
	"net/http"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/session"
)

// Client is the session surface consumed by the UI layer
type Client interface {
	// Login authenticates and starts a new session
	Login(ctx context.Context, identifier, secret string) error

	// Logout ends the session and clears the stored credential
	Logout(ctx context.Context) error

	// Verify checks the stored credential with the auth server
	Verify(ctx context.Context) (core.Identity, error)

	// Status returns the current session snapshot
	Status() core.Status

	// States streams session snapshots until ctx is done
	States(ctx context.Context) <-chan core.Status

	// Expirations returns the consume-once expiration feed
	Expirations() *session.ExpirationFeed

	// HTTPClient returns a client that authenticates its requests
	HTTPClient() *http.Client
}

var _ Client = (*Warden)(nil)
