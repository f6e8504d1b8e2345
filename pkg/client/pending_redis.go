package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokengate/tokengate/pkg/logger"
)

const pendingKeyPrefix = "tokengate:pending:"

// RedisPendingStore is a Redis-backed PendingRequestStore for deployments
// where callbacks may land on a different instance than the one that
// initiated the authorization.
type RedisPendingStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisPendingStore creates a RedisPendingStore on an existing Redis
// client. A non-positive ttl falls back to DefaultPendingTTL.
func NewRedisPendingStore(client *redis.Client, ttl time.Duration) *RedisPendingStore {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &RedisPendingStore{client: client, ttl: ttl, now: time.Now}
}

// Save implements PendingRequestStore. SETNX gives the collision check its
// atomicity.
func (s *RedisPendingStore) Save(ctx context.Context, req *AuthorizationRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal pending request: %w", err)
	}

	// Keys live twice the TTL so a late callback is answered with
	// ErrRequestExpired instead of an indistinguishable ErrStateNotFound.
	ok, err := s.client.SetNX(ctx, pendingKeyPrefix+req.State, data, 2*s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store pending request: %w", err)
	}
	if !ok {
		return ErrDuplicateState
	}
	return nil
}

// Consume implements PendingRequestStore. GETDEL burns the state in the same
// round trip that reads it, so concurrent callbacks cannot both succeed.
func (s *RedisPendingStore) Consume(ctx context.Context, state, redirectURI string) (*AuthorizationRequest, error) {
	data, err := s.client.GetDel(ctx, pendingKeyPrefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume pending request: %w", err)
	}

	var req AuthorizationRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		logger.Errorw("Failed to unmarshal pending request", "state", state, "error", err)
		return nil, fmt.Errorf("failed to unmarshal pending request: %w", err)
	}

	if s.now().Sub(req.CreatedAt) > s.ttl {
		return nil, ErrRequestExpired
	}
	if req.RedirectURI != redirectURI {
		return nil, ErrRedirectMismatch
	}
	return &req, nil
}
