package session

import (
	"context"
	"sync"

	"github.com/layer-3/warden/core"
)

// ExpirationFeed holds at most one unconsumed expiration event.
// Each recorded event is handed out exactly once.
type ExpirationFeed struct {
	mu      sync.Mutex
	pending *core.ExpirationEvent
	ready   chan struct{}
}

// NewExpirationFeed creates an empty feed
func NewExpirationFeed() *ExpirationFeed {
	return &ExpirationFeed{
		ready: make(chan struct{}, 1),
	}
}

// Record stores event, replacing any stale unconsumed one
func (f *ExpirationFeed) Record(event core.ExpirationEvent) {
	f.mu.Lock()
	f.pending = &event
	f.mu.Unlock()

	select {
	case f.ready <- struct{}{}:
	default:
	}
}

// Consume takes the pending event. ok is false when nothing is pending.
func (f *ExpirationFeed) Consume() (core.ExpirationEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pending == nil {
		return core.ExpirationEvent{}, false
	}
	event := *f.pending
	f.pending = nil
	return event, true
}

// Pending reports whether an event is waiting to be consumed
func (f *ExpirationFeed) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending != nil
}

// Ready is signalled after an event was recorded
func (f *ExpirationFeed) Ready() <-chan struct{} {
	return f.ready
}

// Wait blocks until an event can be consumed or ctx is done
func (f *ExpirationFeed) Wait(ctx context.Context) (core.ExpirationEvent, error) {
	for {
		if event, ok := f.Consume(); ok {
			return event, nil
		}
		select {
		case <-ctx.Done():
			return core.ExpirationEvent{}, ctx.Err()
		case <-f.ready:
		}
	}
}
