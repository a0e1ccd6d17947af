package core

import "time"

// State is the authoritative session state
type State int

const (
	// StateUnknown is the state before the cold-start check ran
	StateUnknown State = iota

	// StateAuthenticated means a credential is held and assumed valid
	StateAuthenticated

	// StateUnauthenticated means no credential is held
	StateUnauthenticated

	// StateExpired is the transient state between invalidation and cleanup
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// Event drives a session state transition
type Event int

const (
	// EventCredentialFound is raised when the cold-start check finds a stored credential
	EventCredentialFound Event = iota

	// EventCredentialMissing is raised when the cold-start check finds an empty store
	EventCredentialMissing

	// EventVerified is raised when a background verify confirms the credential
	EventVerified

	// EventInvalidated is raised when the server rejected the credential
	EventInvalidated

	// EventCleanupDone is raised once the store was cleared after an invalidation
	EventCleanupDone

	// EventLogin is raised after an explicit login succeeded
	EventLogin

	// EventLogout is raised on explicit logout
	EventLogout
)

func (e Event) String() string {
	switch e {
	case EventCredentialFound:
		return "credential_found"
	case EventCredentialMissing:
		return "credential_missing"
	case EventVerified:
		return "verified"
	case EventInvalidated:
		return "invalidated"
	case EventCleanupDone:
		return "cleanup_done"
	case EventLogin:
		return "login"
	case EventLogout:
		return "logout"
	default:
		return "invalid"
	}
}

// Status is an immutable snapshot of the session state
type Status struct {
	State     State     // Current state
	Confirmed bool      // Authenticated state was confirmed by the server
	Epoch     uint64    // Incremented every time a new authenticated session begins
	Since     time.Time // When State was entered
}

// Authenticated reports whether the snapshot is in the authenticated state
func (s Status) Authenticated() bool {
	return s.State == StateAuthenticated
}
