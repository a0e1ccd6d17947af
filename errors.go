package warden

import "github.com/layer-3/warden/core"

// Classified session failures, matched with errors.Is
var (
	// ErrTransport is returned when the auth server could not be reached or answered unusably
	ErrTransport = core.ErrTransport

	// ErrRejected is returned when the auth server rejected the credential
	ErrRejected = core.ErrRejected

	// ErrStore is returned when the credential store failed
	ErrStore = core.ErrStore

	// ErrNoCredential is returned when an operation needs a credential and none is stored
	ErrNoCredential = core.ErrNoCredential

	// ErrClosed is returned after Close
	ErrClosed = core.ErrClosed
)
