package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/layer-3/warden/adapters/store"
	"github.com/layer-3/warden/core"
)

var errStoreDown = errors.New("store down")

// testStore wraps the memory store with fault injection and call counting
type testStore struct {
	*store.MemoryStore

	gets   atomic.Int32
	sets   atomic.Int32
	clears atomic.Int32

	mu         sync.Mutex
	getErr     error
	setErr     error
	clearErr   error
	clearGate  chan struct{}
	clearEnter chan struct{}
}

func newTestStore() *testStore {
	return &testStore{MemoryStore: store.NewMemoryStore()}
}

func (s *testStore) failGet(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = err
}

func (s *testStore) failSet(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErr = err
}

func (s *testStore) failClear(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearErr = err
}

// blockClear makes Clear wait until the returned release func is called
func (s *testStore) blockClear() (entered <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearGate = make(chan struct{})
	s.clearEnter = make(chan struct{}, 16)
	gate := s.clearGate
	return s.clearEnter, func() { close(gate) }
}

func (s *testStore) Get(ctx context.Context) (core.Credential, error) {
	s.gets.Add(1)
	s.mu.Lock()
	err := s.getErr
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return s.MemoryStore.Get(ctx)
}

func (s *testStore) Set(ctx context.Context, credential core.Credential) error {
	s.sets.Add(1)
	s.mu.Lock()
	err := s.setErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.Set(ctx, credential)
}

func (s *testStore) Clear(ctx context.Context) error {
	s.clears.Add(1)
	s.mu.Lock()
	err, gate, enter := s.clearErr, s.clearGate, s.clearEnter
	s.mu.Unlock()

	if gate != nil {
		enter <- struct{}{}
		<-gate
	}
	if err != nil {
		return err
	}
	return s.MemoryStore.Clear(ctx)
}

// stored reads the underlying value without counting
func (s *testStore) stored() core.Credential {
	c, _ := s.MemoryStore.Get(context.Background())
	return c
}

// fakeRemote is a scriptable RemoteAuth
type fakeRemote struct {
	mu        sync.Mutex
	loginFn   func(ctx context.Context, identifier, secret string) (core.Credential, error)
	verifyFn  func(ctx context.Context, credential core.Credential) (core.Identity, error)
	refreshFn func(ctx context.Context, credential core.Credential) (core.Credential, error)

	logins    atomic.Int32
	verifies  atomic.Int32
	refreshes atomic.Int32
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		loginFn: func(_ context.Context, identifier, _ string) (core.Credential, error) {
			return core.Credential("token-" + identifier), nil
		},
		verifyFn: func(context.Context, core.Credential) (core.Identity, error) {
			return core.Identity{Subject: "alice"}, nil
		},
		refreshFn: func(_ context.Context, credential core.Credential) (core.Credential, error) {
			return credential + "+", nil
		},
	}
}

func (r *fakeRemote) onLogin(fn func(ctx context.Context, identifier, secret string) (core.Credential, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loginFn = fn
}

func (r *fakeRemote) onVerify(fn func(ctx context.Context, credential core.Credential) (core.Identity, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyFn = fn
}

func (r *fakeRemote) onRefresh(fn func(ctx context.Context, credential core.Credential) (core.Credential, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshFn = fn
}

func (r *fakeRemote) Login(ctx context.Context, identifier, secret string) (core.Credential, error) {
	r.logins.Add(1)
	r.mu.Lock()
	fn := r.loginFn
	r.mu.Unlock()
	return fn(ctx, identifier, secret)
}

func (r *fakeRemote) Verify(ctx context.Context, credential core.Credential) (core.Identity, error) {
	r.verifies.Add(1)
	r.mu.Lock()
	fn := r.verifyFn
	r.mu.Unlock()
	return fn(ctx, credential)
}

func (r *fakeRemote) Refresh(ctx context.Context, credential core.Credential) (core.Credential, error) {
	r.refreshes.Add(1)
	r.mu.Lock()
	fn := r.refreshFn
	r.mu.Unlock()
	return fn(ctx, credential)
}

// testRecorder counts recorded metrics
type testRecorder struct {
	mu       sync.Mutex
	renewals map[string]int
	expired  map[string]int
	rejected map[int]int
	states   []core.State
}

func newTestRecorder() *testRecorder {
	return &testRecorder{
		renewals: map[string]int{},
		expired:  map[string]int{},
		rejected: map[int]int{},
	}
}

func (r *testRecorder) RenewalAttempt(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renewals[result]++
}

func (r *testRecorder) Expired(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired[reason]++
}

func (r *testRecorder) RejectedResponse(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[status]++
}

func (r *testRecorder) StateChanged(state core.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *testRecorder) renewalCount(result string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renewals[result]
}

func (r *testRecorder) expiredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.expired {
		total += n
	}
	return total
}

// fakePublisher records published events
type fakePublisher struct {
	mu      sync.Mutex
	states  []core.Status
	expired []core.ExpirationEvent
}

func (p *fakePublisher) PublishStateChanged(_ context.Context, status core.Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, status)
	return nil
}

func (p *fakePublisher) PublishExpired(_ context.Context, event core.ExpirationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expired = append(p.expired, event)
	return nil
}

func (p *fakePublisher) stateSequence() []core.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq := make([]core.State, 0, len(p.states))
	for _, s := range p.states {
		seq = append(seq, s.State)
	}
	return seq
}

func (p *fakePublisher) expiredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.expired)
}

// fastRenewal keeps renewal tests quick
var fastRenewal = RenewalConfig{
	Lifetime:    60 * time.Millisecond,
	Fraction:    0.5,
	Backoff:     10 * time.Millisecond,
	MaxBackoff:  40 * time.Millisecond,
	MinInterval: 5 * time.Millisecond,
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
