package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

// DefaultCleanupTimeout bounds the store clear performed on expiration
const DefaultCleanupTimeout = 5 * time.Second

// Expiration reasons
const (
	ReasonResponseRejected = "response_rejected"
	ReasonRenewalRejected  = "renewal_rejected"
	ReasonVerifyRejected   = "verify_rejected"
)

// Stopper is implemented by the renewal scheduler
type Stopper interface {
	Stop()
}

// ExpirationNotifier turns a detected invalidation into exactly one cleanup:
// stop renewal, clear the store, move the session to Expired and then
// Unauthenticated, and record one ExpirationEvent.
// It never performs network calls.
type ExpirationNotifier struct {
	handling atomic.Bool

	states    *StateMachine
	store     ports.CredentialStore
	feed      *ExpirationFeed
	renewal   Stopper
	publisher ports.EventPublisher
	commit    *sync.Mutex
	recorder  Recorder
	log       logr.Logger
	timeout   time.Duration
	now       func() time.Time
}

// NotifierConfig wires an ExpirationNotifier
type NotifierConfig struct {
	States    *StateMachine
	Store     ports.CredentialStore
	Feed      *ExpirationFeed
	Renewal   Stopper
	Publisher ports.EventPublisher
	Commit    *sync.Mutex
	Recorder  Recorder
	Log       logr.Logger
	Timeout   time.Duration
}

// NewExpirationNotifier creates a notifier
func NewExpirationNotifier(cfg NotifierConfig) *ExpirationNotifier {
	if cfg.Commit == nil {
		cfg.Commit = &sync.Mutex{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCleanupTimeout
	}
	return &ExpirationNotifier{
		states:    cfg.States,
		store:     cfg.Store,
		feed:      cfg.Feed,
		renewal:   cfg.Renewal,
		publisher: cfg.Publisher,
		commit:    cfg.Commit,
		recorder:  cfg.Recorder,
		log:       cfg.Log,
		timeout:   cfg.Timeout,
		now:       time.Now,
	}
}

// NotifyExpired invalidates the current session.
// It reports whether this call performed the cleanup.
func (n *ExpirationNotifier) NotifyExpired(ctx context.Context, reason string) bool {
	return n.ExpireEpoch(ctx, n.states.Current().Epoch, reason)
}

// ExpireEpoch invalidates the session only if it is still the authenticated
// session identified by epoch. Concurrent callers return immediately while a
// cleanup is in flight.
func (n *ExpirationNotifier) ExpireEpoch(ctx context.Context, epoch uint64, reason string) bool {
	if !n.handling.CompareAndSwap(false, true) {
		n.log.V(1).Info("expiration already being handled", "reason", reason)
		return false
	}
	defer n.handling.Store(false)

	if !n.current(epoch) {
		n.log.V(1).Info("ignoring expiration of inactive session", "reason", reason, "epoch", epoch)
		return false
	}

	n.commit.Lock()
	defer n.commit.Unlock()

	// A logout or a new login may have won the race for the commit lock.
	// Renewal is only stopped for the session being expired.
	if !n.current(epoch) {
		return false
	}
	if n.renewal != nil {
		n.renewal.Stop()
	}

	n.states.Fire(core.EventInvalidated)

	clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	if err := n.store.Clear(clearCtx); err != nil {
		n.log.Error(err, "failed to clear credential store after expiration")
	}

	n.states.Fire(core.EventCleanupDone)

	event := core.ExpirationEvent{
		ID:     uuid.NewString(),
		At:     n.now(),
		Reason: reason,
	}
	n.feed.Record(event)
	n.recorder.Expired(reason)

	if n.publisher != nil {
		if err := n.publisher.PublishExpired(clearCtx, event); err != nil {
			n.log.Error(err, "failed to publish expiration event", "id", event.ID)
		}
	}

	n.log.Info("session expired", "reason", reason, "id", event.ID, "epoch", epoch)
	return true
}

func (n *ExpirationNotifier) current(epoch uint64) bool {
	status := n.states.Current()
	return status.Authenticated() && status.Epoch == epoch
}
