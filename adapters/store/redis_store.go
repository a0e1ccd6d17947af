package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/broadcast"
	"github.com/layer-3/warden/ports"
)

// DefaultKeyPrefix namespaces every key written by the Redis adapters
const DefaultKeyPrefix = "warden:"

// RedisStore is a Redis implementation of the CredentialStore interface.
// Writes publish a notice on a change channel; subscribers re-read the key,
// so credentials never travel over pub/sub.
type RedisStore struct {
	client  redis.UniversalClient
	key     string
	channel string
}

// NewRedisStore creates a credential store for the named session
func NewRedisStore(client redis.UniversalClient, session string) *RedisStore {
	key := DefaultKeyPrefix + "credential:" + session
	return &RedisStore{
		client:  client,
		key:     key,
		channel: key + ":changes",
	}
}

// Get returns the stored credential
func (s *RedisStore) Get(ctx context.Context) (core.Credential, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential: %w", err)
	}
	return core.Credential(val), nil
}

// Set replaces the stored credential
func (s *RedisStore) Set(ctx context.Context, credential core.Credential) error {
	if credential.IsZero() {
		return s.Clear(ctx)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key, credential.String(), 0)
		pipe.Publish(ctx, s.channel, "set")
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Clear removes the stored credential
func (s *RedisStore) Clear(ctx context.Context) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		pipe.Publish(ctx, s.channel, "clear")
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}

// Subscribe streams every change, starting with the current value.
// The channel is closed when ctx is done or the subscription breaks.
func (s *RedisStore) Subscribe(ctx context.Context) (<-chan core.Credential, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)

	// Wait for the confirmation so that no write after this point is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to credential changes: %w", err)
	}

	current, err := s.Get(ctx)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan core.Credential, 1)
	out <- current

	go func() {
		defer close(out)
		defer pubsub.Close()

		notices := pubsub.Channel()
		last := current
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notices:
				if !ok {
					return
				}
				credential, err := s.Get(ctx)
				if err != nil {
					return
				}
				if credential == last {
					continue
				}
				last = credential
				broadcast.Offer(out, credential)
			}
		}
	}()

	return out, nil
}

var _ ports.CredentialStore = (*RedisStore)(nil)

// RedisRevocations is a Redis implementation of the RevocationStore interface
type RedisRevocations struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRevocations creates a new Redis revocation list
func NewRedisRevocations(client redis.UniversalClient) *RedisRevocations {
	return &RedisRevocations{
		client: client,
		prefix: DefaultKeyPrefix + "invalidated:",
	}
}

// InvalidateToken marks a token as invalidated in Redis
func (s *RedisRevocations) InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+tokenID, "1", expiry).Err(); err != nil {
		return fmt.Errorf("failed to invalidate token: %w", err)
	}
	return nil
}

// RevokeToken invalidates a token with SETNX so that only one caller wins
func (s *RedisRevocations) RevokeToken(ctx context.Context, tokenID string, expiry time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+tokenID, "1", expiry).Result()
	if err != nil {
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
	return ok, nil
}

// IsTokenInvalidated checks if a token is invalidated in Redis
func (s *RedisRevocations) IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error) {
	val, err := s.client.Exists(ctx, s.prefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token invalidation: %w", err)
	}
	return val > 0, nil
}

var _ ports.RevocationStore = (*RedisRevocations)(nil)
