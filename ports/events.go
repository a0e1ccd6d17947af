package ports

import (
	"context"

	"github.com/layer-3/warden/core"
)

// EventPublisher publishes session events to other components and processes
type EventPublisher interface {
	PublishStateChanged(ctx context.Context, status core.Status) error
	PublishExpired(ctx context.Context, event core.ExpirationEvent) error
}

// LogoutPublisher announces logouts processed by the reference auth server
type LogoutPublisher interface {
	PublishLogout(ctx context.Context, subject string, tokenID string) error
}
