// Package session keeps the client-side authentication session consistent.
//
// A Manager owns one session per process and wires together:
//
//   - TokenCache: lock-free snapshot of the stored credential, fed only by the
//     credential store's change stream
//   - Interceptor: http.RoundTripper that attaches the credential to protected
//     requests and reports 401/403 responses
//   - StateMachine: Unknown, Authenticated, Unauthenticated and Expired states
//   - RenewalScheduler: background refresh loop while authenticated
//   - ExpirationNotifier: idempotent cleanup path for invalidated credentials
//
// Request paths never block on the store: they read the TokenCache and the
// state snapshot, both of which are atomic loads.
package session
