package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/broadcast"
	"github.com/layer-3/warden/ports"
)

// MemoryStore is an in-memory implementation of the CredentialStore interface
type MemoryStore struct {
	mu      sync.Mutex
	changes *broadcast.Latest[core.Credential]
}

// NewMemoryStore creates a new empty in-memory store
func NewMemoryStore() *MemoryStore {
	changes := broadcast.NewLatest[core.Credential]()
	changes.Publish("")
	return &MemoryStore{changes: changes}
}

// Get returns the stored credential
func (s *MemoryStore) Get(ctx context.Context) (core.Credential, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	credential, _ := s.changes.Current()
	return credential, nil
}

// Set replaces the stored credential
func (s *MemoryStore) Set(ctx context.Context, credential core.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes.Publish(credential)
	return nil
}

// Clear removes the stored credential
func (s *MemoryStore) Clear(ctx context.Context) error {
	return s.Set(ctx, "")
}

// Subscribe streams every change, starting with the current value
func (s *MemoryStore) Subscribe(ctx context.Context) (<-chan core.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.changes.Subscribe(ctx), nil
}

// Close ends every subscription
func (s *MemoryStore) Close() error {
	s.changes.Close()
	return nil
}

var _ ports.CredentialStore = (*MemoryStore)(nil)

// MemoryRevocations is an in-memory implementation of the RevocationStore interface
type MemoryRevocations struct {
	invalidatedTokens map[string]time.Time
	mu                sync.RWMutex
	now               func() time.Time
}

// NewMemoryRevocations creates a new in-memory revocation list
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{
		invalidatedTokens: make(map[string]time.Time),
		now:               time.Now,
	}
}

// InvalidateToken marks a token as invalidated until expiry has passed
func (s *MemoryRevocations) InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalidate(tokenID, expiry)
	return nil
}

// RevokeToken invalidates a token that is not invalidated yet
func (s *MemoryRevocations) RevokeToken(ctx context.Context, tokenID string, expiry time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if until, ok := s.invalidatedTokens[tokenID]; ok && !s.now().After(until) {
		return false, nil
	}
	s.invalidate(tokenID, expiry)
	return true, nil
}

func (s *MemoryRevocations) invalidate(tokenID string, expiry time.Duration) {
	now := s.now()
	s.invalidatedTokens[tokenID] = now.Add(expiry)

	// Expired entries are dropped lazily on write
	for id, until := range s.invalidatedTokens {
		if now.After(until) {
			delete(s.invalidatedTokens, id)
		}
	}
}

// IsTokenInvalidated checks if a token is invalidated
func (s *MemoryRevocations) IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiryTime, exists := s.invalidatedTokens[tokenID]
	if !exists {
		return false, nil
	}

	return !s.now().After(expiryTime), nil
}

var _ ports.RevocationStore = (*MemoryRevocations)(nil)
