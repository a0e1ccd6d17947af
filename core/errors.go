package core

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch on it without type matching
type Kind int

const (
	// KindUnknown is any failure that is not classified
	KindUnknown Kind = iota

	// KindTransport means no usable response was obtained; retry with backoff
	KindTransport

	// KindRejected means the server explicitly rejected the credential
	KindRejected

	// KindStore means the credential store failed
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRejected:
		return "rejected"
	case KindStore:
		return "store"
	default:
		return "unknown"
	}
}

var (
	// ErrTransport matches every transport failure
	ErrTransport = errors.New("transport failure")

	// ErrRejected matches every rejected credential failure
	ErrRejected = errors.New("credential rejected")

	// ErrStore matches every credential store failure
	ErrStore = errors.New("credential store failure")

	// ErrNoCredential is returned when an operation needs a credential and none is held
	ErrNoCredential = errors.New("no credential")

	// ErrClosed is returned by components used after Close
	ErrClosed = errors.New("closed")
)

// Error is a classified failure of a session operation
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error kind
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrRejected:
		return e.Kind == KindRejected
	case ErrStore:
		return e.Kind == KindStore
	}
	return false
}

// TransportError wraps err as a transport failure of op
func TransportError(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// RejectedError wraps err as a rejected credential failure of op
func RejectedError(op string, err error) error {
	return &Error{Kind: KindRejected, Op: op, Err: err}
}

// StoreError wraps err as a credential store failure of op
func StoreError(op string, err error) error {
	return &Error{Kind: KindStore, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}

// Reference auth server failures
var (
	ErrTokenExpired      = errors.New("token has expired")
	ErrTokenInvalidated  = errors.New("token has been invalidated")
	ErrInvalidToken      = errors.New("invalid token")
	ErrInvalidSecret     = errors.New("invalid identifier or secret")
	ErrUnknownIdentifier = errors.New("unknown identifier")
)
