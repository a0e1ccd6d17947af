package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/warden/core"
)

type managerFixture struct {
	manager   *Manager
	store     *testStore
	remote    *fakeRemote
	publisher *fakePublisher
	recorder  *testRecorder
}

// slowRenewal keeps the renewal loop out of tests that do not exercise it
var slowRenewal = RenewalConfig{Lifetime: time.Hour}

func newManagerFixture(t *testing.T, transport http.RoundTripper) *managerFixture {
	t.Helper()
	return newManagerFixtureWith(t, transport, slowRenewal)
}

func newManagerFixtureWith(t *testing.T, transport http.RoundTripper, renewal RenewalConfig) *managerFixture {
	t.Helper()

	f := &managerFixture{
		store:     newTestStore(),
		remote:    newFakeRemote(),
		publisher: &fakePublisher{},
		recorder:  newTestRecorder(),
	}

	m, err := NewManager(Config{
		Store:     f.store,
		Remote:    f.remote,
		Publisher: f.publisher,
		Recorder:  f.recorder,
		Logger:    logr.Discard(),
		Transport: transport,
		Renewal:   renewal,
	})
	require.NoError(t, err)
	f.manager = m
	t.Cleanup(func() { _ = m.Close() })
	return f
}

func (f *managerFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.manager.Start(context.Background()))
}

func (f *managerFixture) waitCredential(t *testing.T, want core.Credential) {
	t.Helper()
	require.Eventually(t, func() bool {
		credential, ok := f.manager.Credential()
		if want.IsZero() {
			return !ok
		}
		return ok && credential == want
	}, waitFor, tick)
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(Config{Remote: newFakeRemote()})
	assert.Error(t, err)

	_, err = NewManager(Config{Store: newTestStore()})
	assert.Error(t, err)
}

func TestColdStartOptimistic(t *testing.T) {
	f := newManagerFixture(t, nil)
	require.NoError(t, f.store.Set(context.Background(), "abc"))

	release := make(chan struct{})
	f.remote.onVerify(func(ctx context.Context, _ core.Credential) (core.Identity, error) {
		select {
		case <-release:
			return core.Identity{Subject: "alice"}, nil
		case <-ctx.Done():
			return core.Identity{}, core.TransportError("verify", ctx.Err())
		}
	})

	f.start(t)

	// Authenticated before the verify call completed
	status := f.manager.Status()
	assert.Equal(t, core.StateAuthenticated, status.State)
	assert.False(t, status.Confirmed)
	assert.True(t, f.manager.RenewalRunning())
	_, known := f.manager.Identity()
	assert.False(t, known)

	close(release)
	require.Eventually(t, func() bool {
		return f.manager.Status().Confirmed
	}, waitFor, tick)

	identity, ok := f.manager.Identity()
	require.True(t, ok)
	assert.Equal(t, "alice", identity.Subject)
	assert.Equal(t, status.Epoch, f.manager.Status().Epoch)
}

func TestColdStartEmptyStore(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.start(t)

	assert.Equal(t, core.StateUnauthenticated, f.manager.Status().State)
	assert.False(t, f.manager.RenewalRunning())
	assert.Equal(t, int32(0), f.remote.verifies.Load())
}

func TestColdStartVerifyRejected(t *testing.T) {
	f := newManagerFixture(t, nil)
	require.NoError(t, f.store.Set(context.Background(), "abc"))
	f.remote.onVerify(func(context.Context, core.Credential) (core.Identity, error) {
		return core.Identity{}, core.RejectedError("verify", errors.New("401 Unauthorized"))
	})

	f.start(t)
	require.Eventually(t, func() bool { return f.publisher.expiredCount() == 1 }, waitFor, tick)

	assert.Equal(t, core.StateUnauthenticated, f.manager.Status().State)
	assert.Equal(t, []core.State{
		core.StateAuthenticated,
		core.StateExpired,
		core.StateUnauthenticated,
	}, f.publisher.stateSequence())

	event, ok := f.manager.Expirations().Consume()
	require.True(t, ok)
	assert.Equal(t, ReasonVerifyRejected, event.Reason)
	_, ok = f.manager.Expirations().Consume()
	assert.False(t, ok)

	assert.True(t, f.store.stored().IsZero())
	assert.Equal(t, int32(1), f.store.clears.Load())
	assert.Equal(t, 1, f.publisher.expiredCount())
	assert.False(t, f.manager.RenewalRunning())
}

func TestColdStartVerifyTransportFailure(t *testing.T) {
	f := newManagerFixture(t, nil)
	require.NoError(t, f.store.Set(context.Background(), "abc"))
	f.remote.onVerify(func(context.Context, core.Credential) (core.Identity, error) {
		return core.Identity{}, core.TransportError("verify", errors.New("connection refused"))
	})

	f.start(t)
	require.Eventually(t, func() bool { return f.remote.verifies.Load() == 1 }, waitFor, tick)

	status := f.manager.Status()
	assert.Equal(t, core.StateAuthenticated, status.State)
	assert.False(t, status.Confirmed)
	assert.False(t, f.manager.Expirations().Pending())
	assert.False(t, f.store.stored().IsZero())
}

func TestColdStartStoreError(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.store.failGet(errStoreDown)

	err := f.manager.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrStore)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, core.StateUnauthenticated, f.manager.Status().State)
}

func TestRejectedResponseSingleCleanup(t *testing.T) {
	upstream := &respondWith{status: http.StatusForbidden}
	f := newManagerFixture(t, upstream)
	f.remote.onLogin(func(context.Context, string, string) (core.Credential, error) {
		return "abc", nil
	})

	f.start(t)
	require.NoError(t, f.manager.Login(context.Background(), "alice", "secret"))
	f.waitCredential(t, "abc")

	entered, release := f.store.blockClear()
	client := f.manager.HTTPClient()

	resp, err := client.Get("http://api.test/api/orders")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	<-entered

	// Cleanup is in progress; a second rejection is detected but not handled again
	resp, err = client.Get("http://api.test/api/orders")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{"Bearer abc", "Bearer abc"}, upstream.seen())

	release()
	require.Eventually(t, func() bool { return f.publisher.expiredCount() == 1 }, waitFor, tick)
	f.waitCredential(t, "")

	// Give a late rejection handler the chance to run
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, core.StateUnauthenticated, f.manager.Status().State)
	assert.Equal(t, int32(1), f.store.clears.Load())
	assert.Equal(t, 1, f.publisher.expiredCount())
	assert.Equal(t, 1, f.recorder.expiredCount())

	event, ok := f.manager.Expirations().Consume()
	require.True(t, ok)
	assert.Equal(t, ReasonResponseRejected, event.Reason)
	_, ok = f.manager.Expirations().Consume()
	assert.False(t, ok)

	// Requests after cleanup carry no credential and cannot expire anything
	resp, err = client.Get("http://api.test/api/orders")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "", upstream.seen()[2])
	assert.Equal(t, int32(1), f.store.clears.Load())
}

func TestRenewalTransportFailureKeepsSession(t *testing.T) {
	f := newManagerFixtureWith(t, nil, fastRenewal)
	f.remote.onRefresh(func(context.Context, core.Credential) (core.Credential, error) {
		return "", core.TransportError("refresh", errors.New("connection reset"))
	})

	f.start(t)
	require.NoError(t, f.manager.Login(context.Background(), "alice", "secret"))

	require.Eventually(t, func() bool {
		return f.remote.refreshes.Load() >= 2
	}, waitFor, tick)

	assert.Equal(t, core.StateAuthenticated, f.manager.Status().State)
	assert.True(t, f.manager.RenewalRunning())
	assert.False(t, f.manager.Expirations().Pending())
	assert.Equal(t, core.Credential("token-alice"), f.store.stored())
}

func TestLogoutDuringRenewal(t *testing.T) {
	tests := []struct {
		name   string
		result func() (core.Credential, error)
	}{
		{
			name:   "refresh succeeds",
			result: func() (core.Credential, error) { return "resurrected", nil },
		},
		{
			name: "refresh rejected",
			result: func() (core.Credential, error) {
				return "", core.RejectedError("refresh", errors.New("401 Unauthorized"))
			},
		},
		{
			name: "refresh transport failure",
			result: func() (core.Credential, error) {
				return "", core.TransportError("refresh", errors.New("timeout"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newManagerFixtureWith(t, nil, fastRenewal)

			entered := make(chan struct{}, 1)
			gate := make(chan struct{})
			f.remote.onRefresh(func(context.Context, core.Credential) (core.Credential, error) {
				select {
				case entered <- struct{}{}:
				default:
				}
				<-gate
				return tt.result()
			})

			f.start(t)
			require.NoError(t, f.manager.Login(context.Background(), "alice", "secret"))
			done := f.manager.renewal.Done()
			<-entered

			require.NoError(t, f.manager.Logout(context.Background()))
			close(gate)
			waitDone(t, done)

			assert.Equal(t, core.StateUnauthenticated, f.manager.Status().State)
			assert.True(t, f.store.stored().IsZero())
			assert.False(t, f.manager.RenewalRunning())
			assert.False(t, f.manager.Expirations().Pending())
			f.waitCredential(t, "")
		})
	}
}

func TestLoginLogout(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.start(t)

	require.NoError(t, f.manager.Login(context.Background(), "alice", "secret"))

	status := f.manager.Status()
	assert.Equal(t, core.StateAuthenticated, status.State)
	assert.True(t, status.Confirmed)
	assert.True(t, f.manager.RenewalRunning())
	assert.Equal(t, core.Credential("token-alice"), f.store.stored())
	f.waitCredential(t, "token-alice")

	identity, ok := f.manager.Identity()
	require.True(t, ok)
	assert.Equal(t, "alice", identity.Subject)

	require.NoError(t, f.manager.Logout(context.Background()))
	assert.Equal(t, core.StateUnauthenticated, f.manager.Status().State)
	assert.False(t, f.manager.RenewalRunning())
	assert.True(t, f.store.stored().IsZero())
	_, ok = f.manager.Identity()
	assert.False(t, ok)
	f.waitCredential(t, "")

	// Logout is idempotent
	require.NoError(t, f.manager.Logout(context.Background()))
	assert.Equal(t, core.StateUnauthenticated, f.manager.Status().State)
	assert.False(t, f.manager.RenewalRunning())
	assert.False(t, f.manager.Expirations().Pending(), "logout is not an expiration")
}

func TestConcurrentLoginLogoutRenewalMatchesState(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.start(t)
	ctx := context.Background()

	for range 100 {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.manager.Login(ctx, "alice", "secret"))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, f.manager.Logout(ctx))
		}()
		wg.Wait()

		authenticated := f.manager.Status().Authenticated()
		require.Equal(t, authenticated, f.manager.RenewalRunning(), "renewal runs only for an authenticated session")
	}
}

func TestLoginReplacesSession(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.start(t)

	require.NoError(t, f.manager.Login(context.Background(), "alice", "secret"))
	first := f.manager.Status().Epoch
	require.NoError(t, f.manager.Login(context.Background(), "bob", "secret"))

	status := f.manager.Status()
	assert.Greater(t, status.Epoch, first)
	assert.Equal(t, core.Credential("token-bob"), f.store.stored())

	// A rejection attributed to the first session is ignored
	assert.False(t, f.manager.notifier.ExpireEpoch(context.Background(), first, ReasonResponseRejected))
	assert.Equal(t, core.StateAuthenticated, f.manager.Status().State)
}

func TestLoginRemoteFailure(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.start(t)
	f.remote.onLogin(func(context.Context, string, string) (core.Credential, error) {
		return "", core.RejectedError("login", errors.New("invalid identifier or secret"))
	})

	err := f.manager.Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, core.ErrRejected)
	assert.Equal(t, core.StateUnauthenticated, f.manager.Status().State)
	assert.Equal(t, int32(0), f.store.sets.Load())
	assert.False(t, f.manager.RenewalRunning())
}

func TestLoginStoreFailure(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.start(t)
	f.store.failSet(errStoreDown)

	err := f.manager.Login(context.Background(), "alice", "secret")
	assert.ErrorIs(t, err, core.ErrStore)
	assert.Equal(t, core.KindStore, core.KindOf(err))
	assert.Equal(t, core.StateUnauthenticated, f.manager.Status().State)
	assert.False(t, f.manager.RenewalRunning())
}

func TestLogoutStoreFailure(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.start(t)
	require.NoError(t, f.manager.Login(context.Background(), "alice", "secret"))
	f.store.failClear(errStoreDown)

	err := f.manager.Logout(context.Background())
	assert.ErrorIs(t, err, core.ErrStore)
	assert.Equal(t, core.StateUnauthenticated, f.manager.Status().State)
	assert.False(t, f.manager.RenewalRunning())
}

func TestVerify(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.start(t)

	_, err := f.manager.Verify(context.Background())
	assert.ErrorIs(t, err, core.ErrNoCredential)

	require.NoError(t, f.manager.Login(context.Background(), "alice", "secret"))
	identity, err := f.manager.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Subject)

	f.remote.onVerify(func(context.Context, core.Credential) (core.Identity, error) {
		return core.Identity{}, core.TransportError("verify", errors.New("timeout"))
	})
	_, err = f.manager.Verify(context.Background())
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.Equal(t, core.StateAuthenticated, f.manager.Status().State)

	f.remote.onVerify(func(context.Context, core.Credential) (core.Identity, error) {
		return core.Identity{}, core.RejectedError("verify", errors.New("401 Unauthorized"))
	})
	_, err = f.manager.Verify(context.Background())
	assert.ErrorIs(t, err, core.ErrRejected)
	assert.Equal(t, core.StateUnauthenticated, f.manager.Status().State)
	assert.True(t, f.manager.Expirations().Pending())
}

func TestVerifyStoreFailure(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.start(t)
	f.store.failGet(errStoreDown)

	_, err := f.manager.Verify(context.Background())
	assert.ErrorIs(t, err, core.ErrStore)
}

func TestNotifyExpiredManager(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.start(t)

	assert.False(t, f.manager.NotifyExpired(context.Background(), ReasonResponseRejected))

	require.NoError(t, f.manager.Login(context.Background(), "alice", "secret"))
	assert.True(t, f.manager.NotifyExpired(context.Background(), ReasonResponseRejected))
	assert.Equal(t, core.StateUnauthenticated, f.manager.Status().State)
	assert.False(t, f.manager.RenewalRunning())
	assert.True(t, f.manager.Expirations().Pending())
}

func TestCacheFollowsExternalWrites(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.start(t)

	// Another process sharing the store logs in
	require.NoError(t, f.store.MemoryStore.Set(context.Background(), "external"))
	f.waitCredential(t, "external")

	require.NoError(t, f.store.MemoryStore.Clear(context.Background()))
	f.waitCredential(t, "")
}

func TestManagerStates(t *testing.T) {
	f := newManagerFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := f.manager.States(ctx)
	assert.Equal(t, core.StateUnknown, (<-updates).State)

	f.start(t)
	assert.Equal(t, core.StateUnauthenticated, (<-updates).State)

	require.NoError(t, f.manager.Login(context.Background(), "alice", "secret"))
	assert.Equal(t, core.StateAuthenticated, (<-updates).State)
}

func TestManagerClose(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.start(t)
	require.NoError(t, f.manager.Start(context.Background()), "Start is idempotent")
	require.NoError(t, f.manager.Login(context.Background(), "alice", "secret"))

	require.NoError(t, f.manager.Close())
	require.NoError(t, f.manager.Close())
	assert.False(t, f.manager.RenewalRunning())

	assert.ErrorIs(t, f.manager.Login(context.Background(), "alice", "secret"), core.ErrClosed)
	assert.ErrorIs(t, f.manager.Start(context.Background()), core.ErrClosed)

	// The credential survives for the next process
	assert.Equal(t, core.Credential("token-alice"), f.store.stored())
}

func TestManagerCloseWaitsForRenewal(t *testing.T) {
	f := newManagerFixtureWith(t, nil, fastRenewal)

	var exited atomic.Bool
	entered := make(chan struct{}, 1)
	f.remote.onRefresh(func(ctx context.Context, _ core.Credential) (core.Credential, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		exited.Store(true)
		return "", core.TransportError("refresh", ctx.Err())
	})

	f.start(t)
	require.NoError(t, f.manager.Login(context.Background(), "alice", "secret"))
	<-entered

	require.NoError(t, f.manager.Close())
	assert.True(t, exited.Load(), "Close returned while a renewal was still running")

	gets := f.store.gets.Load()
	time.Sleep(3 * fastRenewal.MaxBackoff)
	assert.Equal(t, gets, f.store.gets.Load(), "store used after Close")
}

func TestManagerCloseRacesStart(t *testing.T) {
	for range 50 {
		f := newManagerFixture(t, nil)
		require.NoError(t, f.store.Set(context.Background(), "abc"))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := f.manager.Start(context.Background())
			if err != nil {
				assert.ErrorIs(t, err, core.ErrClosed)
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, f.manager.Close())
		}()
		wg.Wait()

		assert.False(t, f.manager.RenewalRunning())
	}
}
