package session

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

// Renewal defaults
const (
	// DefaultCredentialLifetime is assumed when the credential does not carry its validity window
	DefaultCredentialLifetime = 5 * time.Minute

	// DefaultRenewalFraction renews once 5/6 of the lifetime has elapsed
	DefaultRenewalFraction = 5.0 / 6.0

	// DefaultRenewalBackoff is the first delay after a failed renewal
	DefaultRenewalBackoff = 5 * time.Second

	// DefaultMaxRenewalBackoff caps the delay between failed renewals
	DefaultMaxRenewalBackoff = time.Minute

	// DefaultMinRenewalInterval is the shortest wait between two renewals
	DefaultMinRenewalInterval = time.Second
)

var errStaleRenewal = errors.New("session changed during renewal")

// RenewalConfig configures the renewal loop
type RenewalConfig struct {
	// Lifetime is used when the credential's validity window is unknown
	Lifetime time.Duration

	// Fraction of the lifetime after which the credential is renewed (0-1)
	Fraction float64

	// Backoff is the delay after the first failed attempt; it doubles per failure
	Backoff time.Duration

	// MaxBackoff caps Backoff growth
	MaxBackoff time.Duration

	// MinInterval is the floor for every wait
	MinInterval time.Duration

	// Jitter is the maximum random jitter as a fraction of a backoff delay
	Jitter float64
}

// WithDefaults returns a copy of RenewalConfig with default values applied
func (c RenewalConfig) WithDefaults() RenewalConfig {
	if c.Lifetime <= 0 {
		c.Lifetime = DefaultCredentialLifetime
	}
	if c.Fraction <= 0 || c.Fraction >= 1 {
		c.Fraction = DefaultRenewalFraction
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultRenewalBackoff
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = max(DefaultMaxRenewalBackoff, c.Backoff)
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinRenewalInterval
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0
	}
	return c
}

// backoff returns the delay after the given number of consecutive failures
func (c RenewalConfig) backoff(failures int) time.Duration {
	delay := float64(c.Backoff) * math.Pow(2, float64(max(failures-1, 0)))
	if delay > float64(c.MaxBackoff) {
		delay = float64(c.MaxBackoff)
	}
	if c.Jitter > 0 {
		delay += delay * c.Jitter * (2*rand.Float64() - 1)
	}
	return max(time.Duration(delay), c.MinInterval)
}

// ExpireFunc invalidates the session identified by epoch
type ExpireFunc func(ctx context.Context, epoch uint64, reason string) bool

// RenewalScheduler refreshes the credential in the background while the
// session is authenticated. At most one loop runs at a time.
type RenewalScheduler struct {
	cfg       RenewalConfig
	store     ports.CredentialStore
	remote    ports.RemoteAuth
	states    *StateMachine
	lifetimes ports.LifetimeReader
	commit    *sync.Mutex
	expire    ExpireFunc
	recorder  Recorder
	log       logr.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	run    uint64
	loops  sync.WaitGroup
}

// RenewalDeps are the collaborators of a RenewalScheduler
type RenewalDeps struct {
	Store     ports.CredentialStore
	Remote    ports.RemoteAuth
	States    *StateMachine
	Lifetimes ports.LifetimeReader
	Commit    *sync.Mutex
	Recorder  Recorder
	Log       logr.Logger
}

// NewRenewalScheduler creates a stopped scheduler
func NewRenewalScheduler(cfg RenewalConfig, deps RenewalDeps) *RenewalScheduler {
	if deps.Commit == nil {
		deps.Commit = &sync.Mutex{}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	return &RenewalScheduler{
		cfg:       cfg.WithDefaults(),
		store:     deps.Store,
		remote:    deps.Remote,
		states:    deps.States,
		lifetimes: deps.Lifetimes,
		commit:    deps.Commit,
		recorder:  deps.Recorder,
		log:       deps.Log,
		now:       time.Now,
	}
}

// SetExpireFunc sets the callback used when the server rejects a renewal
func (s *RenewalScheduler) SetExpireFunc(fn ExpireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire = fn
}

// Start runs the loop for the session identified by epoch, replacing any running loop
func (s *RenewalScheduler) Start(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.run++
	s.cancel = cancel
	s.done = done

	s.log.V(1).Info("renewal loop starting", "epoch", epoch)
	s.loops.Add(1)
	go func(run uint64) {
		defer s.loops.Done()
		s.loop(ctx, run, epoch, done)
	}(s.run)
}

// Stop cancels the running loop and any in-flight refresh.
// It does not wait and is safe to call at any time.
func (s *RenewalScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.log.V(1).Info("renewal loop stopped")
}

// Running reports whether a loop is active
func (s *RenewalScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Wait blocks until every loop started so far has exited.
// Callers stop the scheduler first and must not Start it concurrently.
func (s *RenewalScheduler) Wait() {
	s.loops.Wait()
}

// Done is closed when the most recently started loop exits
func (s *RenewalScheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

func (s *RenewalScheduler) finish(run uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == run && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *RenewalScheduler) expireFunc() ExpireFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expire
}

func (s *RenewalScheduler) loop(ctx context.Context, run, epoch uint64, done chan struct{}) {
	defer close(done)
	defer s.finish(run)

	log := s.log.WithValues("epoch", epoch)

	wait := s.cfg.MinInterval
	if credential, err := s.store.Get(ctx); err == nil && !credential.IsZero() {
		wait = s.interval(credential)
	}

	failures := 0
	for {
		if !sleep(ctx, wait) {
			return
		}

		status := s.states.Current()
		if !status.Authenticated() || status.Epoch != epoch {
			log.V(1).Info("session no longer authenticated, renewal loop exiting", "state", status.State.String())
			return
		}

		credential, err := s.store.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			wait = s.cfg.backoff(failures)
			s.recorder.RenewalAttempt(RenewalStoreError)
			log.Error(err, "failed to read credential for renewal", "retryIn", wait)
			continue
		}
		if credential.IsZero() {
			log.Info("credential store is empty, renewal loop exiting")
			return
		}

		renewed, err := s.remote.Refresh(ctx, credential)
		if ctx.Err() != nil {
			// Stopped while the refresh was in flight; the result is discarded.
			return
		}

		switch {
		case err == nil:
			if err := s.commitRenewal(ctx, epoch, renewed); err != nil {
				if errors.Is(err, errStaleRenewal) {
					log.V(1).Info("discarding renewal of inactive session")
					return
				}
				failures++
				wait = s.cfg.backoff(failures)
				s.recorder.RenewalAttempt(RenewalStoreError)
				log.Error(err, "failed to store renewed credential", "retryIn", wait)
				continue
			}
			failures = 0
			wait = s.interval(renewed)
			s.recorder.RenewalAttempt(RenewalSuccess)
			log.V(1).Info("credential renewed", "next", wait)

		case core.KindOf(err) == core.KindRejected:
			s.recorder.RenewalAttempt(RenewalRejected)
			log.Info("renewal rejected by server", "error", err.Error())
			if expire := s.expireFunc(); expire != nil {
				expire(ctx, epoch, ReasonRenewalRejected)
			}
			return

		default:
			failures++
			wait = s.cfg.backoff(failures)
			s.recorder.RenewalAttempt(RenewalTransport)
			log.Error(err, "renewal failed, will retry", "failures", failures, "retryIn", wait)
		}
	}
}

// commitRenewal writes the renewed credential unless the session it was
// requested for has ended in the meantime
func (s *RenewalScheduler) commitRenewal(ctx context.Context, epoch uint64, credential core.Credential) error {
	s.commit.Lock()
	defer s.commit.Unlock()

	status := s.states.Current()
	if ctx.Err() != nil || !status.Authenticated() || status.Epoch != epoch {
		return errStaleRenewal
	}

	if err := s.store.Set(ctx, credential); err != nil {
		return core.StoreError("renewal", err)
	}
	return nil
}

// interval returns the wait before renewing credential
func (s *RenewalScheduler) interval(credential core.Credential) time.Duration {
	if s.lifetimes != nil {
		if issuedAt, expiresAt, ok := s.lifetimes.Validity(credential); ok && expiresAt.After(issuedAt) {
			lifetime := expiresAt.Sub(issuedAt)
			renewAt := issuedAt.Add(time.Duration(float64(lifetime) * s.cfg.Fraction))
			return max(renewAt.Sub(s.now()), s.cfg.MinInterval)
		}
	}
	return max(time.Duration(float64(s.cfg.Lifetime)*s.cfg.Fraction), s.cfg.MinInterval)
}

// sleep waits for d or until ctx is done; it reports whether d elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
