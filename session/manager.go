package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

// DefaultVerifyTimeout bounds the background verify that follows an
// optimistic cold start
const DefaultVerifyTimeout = 10 * time.Second

// Config configures a Manager
type Config struct {
	Store     ports.CredentialStore
	Remote    ports.RemoteAuth
	Publisher ports.EventPublisher
	Lifetimes ports.LifetimeReader
	Recorder  Recorder
	Logger    logr.Logger

	// Transport is the base round tripper wrapped by the interceptor
	Transport http.RoundTripper

	// PublicRoutes are the path patterns sent without a credential
	PublicRoutes []string

	Renewal        RenewalConfig
	VerifyTimeout  time.Duration
	CleanupTimeout time.Duration
}

// Manager is the single owner of the process's authentication session.
// It is constructed by the composition root and passed to consumers.
type Manager struct {
	store     ports.CredentialStore
	remote    ports.RemoteAuth
	publisher ports.EventPublisher
	log       logr.Logger

	states      *StateMachine
	cache       *TokenCache
	feed        *ExpirationFeed
	notifier    *ExpirationNotifier
	renewal     *RenewalScheduler
	interceptor *Interceptor

	// commit serializes credential writes with the transitions they belong to
	commit sync.Mutex

	identity      atomic.Pointer[core.Identity]
	verifyTimeout time.Duration

	// mu guards the background lifecycle
	mu      sync.Mutex
	started bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager wires the session components
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: credential store is required")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("session: remote auth is required")
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = DefaultVerifyTimeout
	}
	if cfg.PublicRoutes == nil {
		cfg.PublicRoutes = DefaultPublicRoutes
	}

	log := cfg.Logger.WithName("session")

	m := &Manager{
		store:         cfg.Store,
		remote:        cfg.Remote,
		publisher:     cfg.Publisher,
		log:           log,
		cache:         NewTokenCache(log.WithName("cache")),
		feed:          NewExpirationFeed(),
		verifyTimeout: cfg.VerifyTimeout,
	}

	m.states = NewStateMachine(log.WithName("state"), cfg.Recorder)
	if m.publisher != nil {
		m.states.OnChange(m.publishState)
	}

	m.renewal = NewRenewalScheduler(cfg.Renewal, RenewalDeps{
		Store:     cfg.Store,
		Remote:    cfg.Remote,
		States:    m.states,
		Lifetimes: cfg.Lifetimes,
		Commit:    &m.commit,
		Recorder:  cfg.Recorder,
		Log:       log.WithName("renewal"),
	})

	m.notifier = NewExpirationNotifier(NotifierConfig{
		States:    m.states,
		Store:     cfg.Store,
		Feed:      m.feed,
		Renewal:   m.renewal,
		Publisher: cfg.Publisher,
		Commit:    &m.commit,
		Recorder:  cfg.Recorder,
		Log:       log.WithName("expiration"),
		Timeout:   cfg.CleanupTimeout,
	})
	m.renewal.SetExpireFunc(m.notifier.ExpireEpoch)

	m.interceptor = NewInterceptor(InterceptorConfig{
		Base:     cfg.Transport,
		Cache:    m.cache,
		States:   m.states,
		Public:   NewRouteList(cfg.PublicRoutes...),
		OnReject: m.onRejectedResponse,
		Recorder: cfg.Recorder,
		Log:      log.WithName("interceptor"),
	})

	return m, nil
}

// Start subscribes the token cache to the store and performs the cold-start
// check. With a stored credential the session becomes Authenticated
// immediately and is verified in the background.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return core.ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true

	bg, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.cache.Follow(bg, m.store)
	}()

	credential, err := m.store.Get(ctx)
	if err != nil {
		m.states.Fire(core.EventCredentialMissing)
		return core.StoreError("cold start", err)
	}
	if credential.IsZero() {
		m.states.Fire(core.EventCredentialMissing)
		return nil
	}

	m.commit.Lock()
	defer m.commit.Unlock()
	if m.closed.Load() {
		return core.ErrClosed
	}

	status, changed := m.states.Fire(core.EventCredentialFound)
	if !changed || !status.Authenticated() {
		return nil
	}
	m.renewal.Start(status.Epoch)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.verifyOptimistic(bg, credential, status.Epoch)
	}()

	return nil
}

// verifyOptimistic reconciles an optimistic cold start with the server.
// Only an explicit rejection ends the session; transport failures leave it
// to the renewal loop.
func (m *Manager) verifyOptimistic(ctx context.Context, credential core.Credential, epoch uint64) {
	verifyCtx, cancel := context.WithTimeout(ctx, m.verifyTimeout)
	defer cancel()

	identity, err := m.remote.Verify(verifyCtx, credential)
	switch {
	case err == nil:
		if _, ok := m.states.FireAt(epoch, core.EventVerified); ok {
			m.identity.Store(&identity)
		}
	case core.KindOf(err) == core.KindRejected:
		m.notifier.ExpireEpoch(ctx, epoch, ReasonVerifyRejected)
	default:
		if ctx.Err() != nil {
			return
		}
		m.log.Error(err, "background verify failed, keeping optimistic session", "epoch", epoch)
	}
}

// Login authenticates against the remote endpoint, persists the credential
// and starts renewal. A store failure is returned as a core.KindStore error
// and leaves the session state untouched.
func (m *Manager) Login(ctx context.Context, identifier, secret string) error {
	if m.closed.Load() {
		return core.ErrClosed
	}

	credential, err := m.remote.Login(ctx, identifier, secret)
	if err != nil {
		return err
	}

	// Renewal starts and stops under commit so that it always matches the
	// state the last writer left behind
	m.commit.Lock()
	defer m.commit.Unlock()
	if m.closed.Load() {
		return core.ErrClosed
	}

	if err := m.store.Set(ctx, credential); err != nil {
		return core.StoreError("login", err)
	}
	status, _ := m.states.Fire(core.EventLogin)
	m.identity.Store(&core.Identity{Subject: identifier})
	m.renewal.Start(status.Epoch)
	return nil
}

// Logout stops renewal, clears the store and ends the session. The session is
// Unauthenticated afterwards even when clearing the store failed; that
// failure is returned.
func (m *Manager) Logout(ctx context.Context) error {
	m.commit.Lock()
	defer m.commit.Unlock()

	m.renewal.Stop()

	err := m.store.Clear(ctx)
	m.states.Fire(core.EventLogout)
	m.identity.Store(nil)

	if err != nil {
		return core.StoreError("logout", err)
	}
	return nil
}

// Verify checks the stored credential with the server. A rejection ends the
// session through the expiration path.
func (m *Manager) Verify(ctx context.Context) (core.Identity, error) {
	status := m.states.Current()
	credential, err := m.store.Get(ctx)
	if err != nil {
		return core.Identity{}, core.StoreError("verify", err)
	}
	if credential.IsZero() {
		return core.Identity{}, core.ErrNoCredential
	}

	identity, err := m.remote.Verify(ctx, credential)
	if err != nil {
		if core.KindOf(err) == core.KindRejected {
			m.notifier.ExpireEpoch(ctx, status.Epoch, ReasonVerifyRejected)
		}
		return core.Identity{}, err
	}

	m.states.FireAt(status.Epoch, core.EventVerified)
	if m.states.Current().Epoch == status.Epoch {
		m.identity.Store(&identity)
	}
	return identity, nil
}

// NotifyExpired runs the expiration path for the current session
func (m *Manager) NotifyExpired(ctx context.Context, reason string) bool {
	return m.notifier.NotifyExpired(ctx, reason)
}

// Status returns the current session snapshot
func (m *Manager) Status() core.Status {
	return m.states.Current()
}

// States streams session snapshots until ctx is done, starting with the current one
func (m *Manager) States(ctx context.Context) <-chan core.Status {
	return m.states.Subscribe(ctx)
}

// Expirations returns the consume-once expiration feed
func (m *Manager) Expirations() *ExpirationFeed {
	return m.feed
}

// Identity returns the identity of the current session, if known
func (m *Manager) Identity() (core.Identity, bool) {
	p := m.identity.Load()
	if p == nil {
		return core.Identity{}, false
	}
	return *p, true
}

// Credential returns the cached credential without touching the store
func (m *Manager) Credential() (core.Credential, bool) {
	return m.cache.Read()
}

// Interceptor returns the round tripper that authenticates requests
func (m *Manager) Interceptor() *Interceptor {
	return m.interceptor
}

// HTTPClient returns a client whose requests go through the interceptor
func (m *Manager) HTTPClient() *http.Client {
	return &http.Client{Transport: m.interceptor}
}

// RenewalRunning reports whether the renewal loop is active
func (m *Manager) RenewalRunning() bool {
	return m.renewal.Running()
}

// Close stops background work and waits for it to finish, so the store is
// no longer used once Close returns. The stored credential is kept.
func (m *Manager) Close() error {
	m.mu.Lock()
	if !m.closed.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	m.mu.Unlock()

	m.commit.Lock()
	m.renewal.Stop()
	m.commit.Unlock()

	if cancel != nil {
		cancel()
	}
	m.renewal.Wait()
	m.wg.Wait()
	m.states.Close()
	return nil
}

func (m *Manager) onRejectedResponse(epoch uint64, status int) {
	m.notifier.ExpireEpoch(context.Background(), epoch, ReasonResponseRejected)
}

func (m *Manager) publishState(_, next core.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCleanupTimeout)
	defer cancel()

	if err := m.publisher.PublishStateChanged(ctx, next); err != nil && !errors.Is(err, context.Canceled) {
		m.log.Error(err, "failed to publish state change", "state", next.State.String())
	}
}
