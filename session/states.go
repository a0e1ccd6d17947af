package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/broadcast"
)

// StateMachine owns the session state.
// Writers are serialized; readers load an immutable snapshot and never block.
type StateMachine struct {
	mu       sync.Mutex
	hooks    sync.Mutex // serializes onChange calls in transition order
	current  atomic.Pointer[core.Status]
	stream   *broadcast.Latest[core.Status]
	onChange []func(prev, next core.Status)
	recorder Recorder
	log      logr.Logger
	now      func() time.Time
}

// NewStateMachine creates a state machine in the Unknown state
func NewStateMachine(log logr.Logger, recorder Recorder) *StateMachine {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	m := &StateMachine{
		stream:   broadcast.NewLatest[core.Status](),
		recorder: recorder,
		log:      log,
		now:      time.Now,
	}
	initial := core.Status{State: core.StateUnknown, Since: m.now()}
	m.current.Store(&initial)
	m.stream.Publish(initial)
	return m
}

// OnChange registers fn to be called after every state change.
// Callbacks run outside the state lock, one at a time and in transition
// order; they must not fire events. Register them before the machine is used.
func (m *StateMachine) OnChange(fn func(prev, next core.Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Current returns the current snapshot
func (m *StateMachine) Current() core.Status {
	return *m.current.Load()
}

// Subscribe streams snapshots, starting with the current one
func (m *StateMachine) Subscribe(ctx context.Context) <-chan core.Status {
	return m.stream.Subscribe(ctx)
}

// Fire applies event and returns the resulting snapshot and whether it changed
func (m *StateMachine) Fire(event core.Event) (core.Status, bool) {
	return m.apply(event, nil)
}

// FireAt applies event only while the session is still at epoch.
// It returns false without changing anything when a newer session began.
func (m *StateMachine) FireAt(epoch uint64, event core.Event) (core.Status, bool) {
	return m.apply(event, &epoch)
}

func (m *StateMachine) apply(event core.Event, epoch *uint64) (core.Status, bool) {
	m.mu.Lock()
	prev := *m.current.Load()
	if epoch != nil && prev.Epoch != *epoch {
		m.mu.Unlock()
		return prev, false
	}

	next, changed := transition(prev, event)
	if !changed {
		m.mu.Unlock()
		m.log.V(1).Info("ignored session event", "state", prev.State.String(), "event", event.String())
		return prev, false
	}

	next.Since = m.now()
	m.current.Store(&next)
	m.stream.Publish(next)
	m.recorder.StateChanged(next.State)
	hooks := m.onChange
	// Taken before the state lock is released so the next transition's hooks
	// queue behind this one's
	m.hooks.Lock()
	defer m.hooks.Unlock()
	m.mu.Unlock()

	m.log.Info("session state changed",
		"from", prev.State.String(),
		"to", next.State.String(),
		"event", event.String(),
		"confirmed", next.Confirmed,
		"epoch", next.Epoch,
	)

	for _, fn := range hooks {
		fn(prev, next)
	}

	return next, true
}

// Close ends every state subscription
func (m *StateMachine) Close() {
	m.stream.Close()
}

// transition is the total transition function of the session.
// Pairs that are not listed leave the state unchanged.
func transition(s core.Status, event core.Event) (core.Status, bool) {
	next := s

	switch event {
	case core.EventCredentialFound:
		if s.State != core.StateUnknown {
			return s, false
		}
		next.State = core.StateAuthenticated
		next.Confirmed = false
		next.Epoch++

	case core.EventCredentialMissing:
		if s.State != core.StateUnknown {
			return s, false
		}
		next.State = core.StateUnauthenticated
		next.Confirmed = false

	case core.EventVerified:
		if s.State != core.StateAuthenticated || s.Confirmed {
			return s, false
		}
		next.Confirmed = true

	case core.EventInvalidated:
		if s.State != core.StateAuthenticated {
			return s, false
		}
		next.State = core.StateExpired
		next.Confirmed = false

	case core.EventCleanupDone:
		if s.State != core.StateExpired {
			return s, false
		}
		next.State = core.StateUnauthenticated

	case core.EventLogin:
		next.State = core.StateAuthenticated
		next.Confirmed = true
		next.Epoch++

	case core.EventLogout:
		if s.State == core.StateUnauthenticated {
			return s, false
		}
		next.State = core.StateUnauthenticated
		next.Confirmed = false

	default:
		return s, false
	}

	return next, true
}
