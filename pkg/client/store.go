package client

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// AccessToken is an issued access token together with its metadata. Tokens
// are immutable; a refresh replaces the whole value.
type AccessToken struct {
	// Value is the opaque token string presented to resource servers.
	Value string `json:"value"`

	// TokenType is the token type reported by the provider ("Bearer").
	TokenType string `json:"token_type"`

	// IssuedAt is when the token was obtained.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is when the token expires. Zero means the provider
	// reported no lifetime.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// Scopes are the scopes granted to the token.
	Scopes []string `json:"scopes,omitempty"`
}

// ExpiresWithin reports whether the token expires before now+skew. Tokens
// without a reported lifetime never expire locally.
func (t AccessToken) ExpiresWithin(now time.Time, skew time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !t.ExpiresAt.After(now.Add(skew))
}

// String redacts the token value.
func (t AccessToken) String() string {
	return fmt.Sprintf("AccessToken{Type:%q, ExpiresAt:%s}", t.TokenType, t.ExpiresAt)
}

// RefreshToken is an issued refresh token.
type RefreshToken struct {
	Value    string    `json:"value"`
	IssuedAt time.Time `json:"issued_at"`
}

// String redacts the token value.
func (RefreshToken) String() string {
	return "RefreshToken{[REDACTED]}"
}

// AuthorizedClient associates a principal with the tokens currently usable
// on their behalf against one provider registration.
type AuthorizedClient struct {
	// RegistrationID names the provider registration.
	RegistrationID string `json:"registration_id"`

	// PrincipalName is the principal the tokens were issued for.
	PrincipalName string `json:"principal_name"`

	// AccessToken is the current access token.
	AccessToken AccessToken `json:"access_token"`

	// RefreshToken is the current refresh token, if the provider issued
	// one.
	RefreshToken *RefreshToken `json:"refresh_token,omitempty"`
}

// String redacts token material.
func (c *AuthorizedClient) String() string {
	return fmt.Sprintf("AuthorizedClient{Registration:%q, Principal:%q}", c.RegistrationID, c.PrincipalName)
}

func (c *AuthorizedClient) clone() *AuthorizedClient {
	out := *c
	if c.RefreshToken != nil {
		rt := *c.RefreshToken
		out.RefreshToken = &rt
	}
	out.AccessToken.Scopes = append([]string(nil), c.AccessToken.Scopes...)
	return &out
}

// AuthorizedClientStore persists authorized clients keyed by
// (principal, registration). Staleness is judged at read time by the
// manager; the store performs no expiry sweeps of its own.
type AuthorizedClientStore interface {
	// Get returns the stored client or ErrClientNotFound. The returned
	// value is a copy; callers must not expect mutations to persist.
	Get(ctx context.Context, principalName, registrationID string) (*AuthorizedClient, error)

	// Put upserts the client.
	Put(ctx context.Context, client *AuthorizedClient) error

	// Remove deletes the client. Removing an absent client is not an
	// error.
	Remove(ctx context.Context, principalName, registrationID string) error
}

func clientKey(principalName, registrationID string) string {
	return principalName + "\x00" + registrationID
}

// MemoryClientStore is an in-memory AuthorizedClientStore.
type MemoryClientStore struct {
	mu      sync.RWMutex
	clients map[string]*AuthorizedClient
}

// NewMemoryClientStore creates an empty MemoryClientStore.
func NewMemoryClientStore() *MemoryClientStore {
	return &MemoryClientStore{clients: make(map[string]*AuthorizedClient)}
}

// Get implements AuthorizedClientStore.
func (s *MemoryClientStore) Get(_ context.Context, principalName, registrationID string) (*AuthorizedClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.clients[clientKey(principalName, registrationID)]
	if !ok {
		return nil, ErrClientNotFound
	}
	return stored.clone(), nil
}

// Put implements AuthorizedClientStore.
func (s *MemoryClientStore) Put(_ context.Context, client *AuthorizedClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[clientKey(client.PrincipalName, client.RegistrationID)] = client.clone()
	return nil
}

// Remove implements AuthorizedClientStore.
func (s *MemoryClientStore) Remove(_ context.Context, principalName, registrationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.clients, clientKey(principalName, registrationID))
	return nil
}
