package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

// DefaultResubscribeDelay is how long TokenCache.Follow waits before
// re-subscribing after the change stream broke
const DefaultResubscribeDelay = time.Second

// TokenCache holds the most recently observed credential.
// Reads are lock-free and never wait on I/O.
type TokenCache struct {
	current atomic.Pointer[core.Credential]
	log     logr.Logger
	retry   time.Duration
}

// NewTokenCache creates an empty cache
func NewTokenCache(log logr.Logger) *TokenCache {
	return &TokenCache{
		log:   log,
		retry: DefaultResubscribeDelay,
	}
}

// Read returns the cached credential. ok is false when no credential was observed.
func (c *TokenCache) Read() (core.Credential, bool) {
	p := c.current.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// OnStoreChanged swaps in the value emitted by the store's change stream
func (c *TokenCache) OnStoreChanged(credential core.Credential) {
	if credential.IsZero() {
		c.current.Store(nil)
		return
	}
	c.current.Store(&credential)
}

// Follow keeps the cache synchronized with store until ctx is done.
// Broken subscriptions are logged and re-established.
func (c *TokenCache) Follow(ctx context.Context, store ports.CredentialStore) {
	for {
		updates, err := store.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error(err, "failed to subscribe to credential store")
		} else {
			for credential := range updates {
				c.OnStoreChanged(credential)
			}
			if ctx.Err() != nil {
				return
			}
			c.log.Info("credential stream closed, resubscribing")
		}

		timer := time.NewTimer(c.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
