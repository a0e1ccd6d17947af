package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

// DefaultAccessTTL is the lifetime of an issued access token
const DefaultAccessTTL = 5 * time.Minute

// minRevocationTTL keeps revocations of already expired tokens around for
// a while to absorb clock skew
const minRevocationTTL = time.Hour

// AuthService handles authentication business logic of the reference server
type AuthService struct {
	tokenizer   ports.Tokenizer
	revocations ports.RevocationStore
	eventPub    ports.LogoutPublisher
	log         logr.Logger

	mu       sync.RWMutex
	accounts map[string][]byte

	accessTTL time.Duration
	now       func() time.Time
}

// NewAuthService creates a new authentication service
func NewAuthService(
	tokenizer ports.Tokenizer,
	revocations ports.RevocationStore,
	eventPub ports.LogoutPublisher,
	log logr.Logger,
) *AuthService {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &AuthService{
		tokenizer:   tokenizer,
		revocations: revocations,
		eventPub:    eventPub,
		log:         log.WithName("auth"),
		accounts:    make(map[string][]byte),
		accessTTL:   DefaultAccessTTL,
		now:         time.Now,
	}
}

// SetAccessTTL changes the lifetime of newly issued access tokens
func (s *AuthService) SetAccessTTL(ttl time.Duration) {
	if ttl > 0 {
		s.accessTTL = ttl
	}
}

// AccessTTL returns the lifetime of newly issued access tokens
func (s *AuthService) AccessTTL() time.Duration {
	return s.accessTTL
}

// AddAccount registers identifier with a bcrypt hash of secret
func (s *AuthService) AddAccount(identifier, secret string) error {
	if identifier == "" || secret == "" {
		return fmt.Errorf("identifier and secret are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash secret: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[identifier] = hash
	return nil
}

// Login authenticates identifier and issues an access token
func (s *AuthService) Login(ctx context.Context, identifier, secret string) (string, *core.Grant, error) {
	s.mu.RLock()
	hash, ok := s.accounts[identifier]
	s.mu.RUnlock()

	if !ok {
		s.log.V(1).Info("login for unknown identifier", "identifier", identifier)
		return "", nil, fmt.Errorf("%w: %w", core.ErrInvalidSecret, core.ErrUnknownIdentifier)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		s.log.V(1).Info("login with wrong secret", "identifier", identifier)
		return "", nil, core.ErrInvalidSecret
	}

	token, grant, err := s.issue(identifier)
	if err != nil {
		return "", nil, err
	}
	s.log.Info("issued access token", "subject", identifier, "id", grant.ID)
	return token, grant, nil
}

// Refresh rotates an access token: the presented token is revoked and a new one issued
func (s *AuthService) Refresh(ctx context.Context, token string) (string, *core.Grant, error) {
	grant, err := s.ValidateAccessToken(ctx, token)
	if err != nil {
		return "", nil, err
	}

	// Revoke the old token for the rest of its lifetime. Of two concurrent
	// refreshes of the same token only one wins the revocation.
	revoked, err := s.revocations.RevokeToken(ctx, grant.ID, s.remaining(grant))
	if err != nil {
		return "", nil, fmt.Errorf("failed to invalidate old token: %w", err)
	}
	if !revoked {
		return "", nil, core.ErrTokenInvalidated
	}

	newToken, newGrant, err := s.issue(grant.Subject)
	if err != nil {
		return "", nil, err
	}
	s.log.V(1).Info("rotated access token", "subject", grant.Subject, "old", grant.ID, "new", newGrant.ID)
	return newToken, newGrant, nil
}

// Logout revokes an access token. Expired tokens are revoked as well.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	grant, err := s.tokenizer.TokenToGrant(token)
	if err != nil && !errors.Is(err, core.ErrTokenExpired) {
		return err
	}
	if errors.Is(err, core.ErrTokenExpired) {
		// Nothing left to revoke
		return nil
	}

	if err := s.revocations.InvalidateToken(ctx, grant.ID, s.remaining(grant)); err != nil {
		return fmt.Errorf("failed to invalidate token: %w", err)
	}

	if s.eventPub != nil {
		if err := s.eventPub.PublishLogout(ctx, grant.Subject, grant.ID); err != nil {
			// The revocation is stored, which is the part that matters
			s.log.Error(err, "failed to publish logout event", "subject", grant.Subject)
		}
	}

	s.log.Info("logged out", "subject", grant.Subject, "id", grant.ID)
	return nil
}

// ValidateAccessToken checks signature, expiry and revocation of an access token
func (s *AuthService) ValidateAccessToken(ctx context.Context, token string) (*core.Grant, error) {
	grant, err := s.tokenizer.TokenToGrant(token)
	if err != nil {
		return nil, err
	}

	if s.now().After(grant.ExpiresAt) {
		return nil, core.ErrTokenExpired
	}

	invalidated, err := s.revocations.IsTokenInvalidated(ctx, grant.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check token invalidation: %w", err)
	}
	if invalidated {
		return nil, core.ErrTokenInvalidated
	}

	return grant, nil
}

func (s *AuthService) issue(subject string) (string, *core.Grant, error) {
	now := s.now()
	grant := &core.Grant{
		ID:        uuid.NewString(),
		Subject:   subject,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.accessTTL),
	}

	token, err := s.tokenizer.GrantToToken(grant)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create access token: %w", err)
	}
	return token, grant, nil
}

func (s *AuthService) remaining(grant *core.Grant) time.Duration {
	return max(grant.ExpiresAt.Sub(s.now()), minRevocationTTL)
}
