package ports

import (
	"context"

	"github.com/layer-3/warden/core"
)

// RemoteAuth is the remote authentication endpoint.
// Failures carry core.KindTransport or core.KindRejected so that only an
// explicit rejection is treated as invalidation.
type RemoteAuth interface {
	Login(ctx context.Context, identifier, secret string) (core.Credential, error)
	Verify(ctx context.Context, credential core.Credential) (core.Identity, error)
	Refresh(ctx context.Context, credential core.Credential) (core.Credential, error)
}
