package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const clientKeyPrefix = "tokengate:authorized:"

// RedisClientStore is a Redis-backed AuthorizedClientStore so that any
// instance can serve requests for an already-authorized principal.
type RedisClientStore struct {
	client *redis.Client
}

// NewRedisClientStore creates a RedisClientStore on an existing Redis client.
func NewRedisClientStore(client *redis.Client) *RedisClientStore {
	return &RedisClientStore{client: client}
}

func redisClientKey(principalName, registrationID string) string {
	return clientKeyPrefix + principalName + ":" + registrationID
}

// Get implements AuthorizedClientStore.
func (s *RedisClientStore) Get(ctx context.Context, principalName, registrationID string) (*AuthorizedClient, error) {
	data, err := s.client.Get(ctx, redisClientKey(principalName, registrationID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorized client: %w", err)
	}

	var stored AuthorizedClient
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorized client: %w", err)
	}
	return &stored, nil
}

// Put implements AuthorizedClientStore. Entries are not given a Redis TTL:
// an expired access token with a live refresh token is still useful, and the
// manager removes clients that become irrecoverable.
func (s *RedisClientStore) Put(ctx context.Context, client *AuthorizedClient) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal authorized client: %w", err)
	}
	if err := s.client.Set(ctx, redisClientKey(client.PrincipalName, client.RegistrationID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store authorized client: %w", err)
	}
	return nil
}

// Remove implements AuthorizedClientStore.
func (s *RedisClientStore) Remove(ctx context.Context, principalName, registrationID string) error {
	if err := s.client.Del(ctx, redisClientKey(principalName, registrationID)).Err(); err != nil {
		return fmt.Errorf("failed to remove authorized client: %w", err)
	}
	return nil
}
