package client

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// DefaultPendingTTL bounds how long an authorization request may wait for
// its callback.
const DefaultPendingTTL = 10 * time.Minute

// AuthorizationRequest tracks one in-flight authorization-code request
// across the redirect round trip. It is created when the user is sent to the
// provider and consumed exactly once when the matching callback arrives.
type AuthorizationRequest struct {
	// State is the random correlation value carried through the redirect.
	State string `json:"state"`

	// Nonce is the OIDC nonce, set only for OIDC registrations.
	Nonce string `json:"nonce,omitempty"`

	// RedirectURI is the callback URI the provider was told to use. The
	// callback's effective URI must match it.
	RedirectURI string `json:"redirect_uri"`

	// Scopes are the scopes that were requested.
	Scopes []string `json:"scopes,omitempty"`

	// RegistrationID names the provider registration this request is for.
	RegistrationID string `json:"registration_id"`

	// PrincipalName is the principal initiating the authorization.
	PrincipalName string `json:"principal_name"`

	// CodeVerifier is the PKCE verifier, set when the registration uses
	// PKCE. Never sent to the provider before the code exchange.
	CodeVerifier string `json:"code_verifier,omitempty"`

	// CreatedAt is when the request was initiated.
	CreatedAt time.Time `json:"created_at"`
}

// String returns a representation without the code verifier.
func (r *AuthorizationRequest) String() string {
	return fmt.Sprintf("AuthorizationRequest{State:%q, RegistrationID:%q, Principal:%q}",
		r.State, r.RegistrationID, r.PrincipalName)
}

// PendingRequestStore holds in-flight authorization requests keyed by state.
// Implementations must provide per-key atomicity: a state value is consumable
// exactly once even under concurrent callback delivery.
type PendingRequestStore interface {
	// Save inserts the request keyed by its state. Returns
	// ErrDuplicateState on collision; the caller must regenerate.
	Save(ctx context.Context, req *AuthorizationRequest) error

	// Consume removes and returns the request for the given state. The
	// state is burned by the attempt regardless of outcome. Returns
	// ErrStateNotFound for unknown states, ErrRequestExpired for requests
	// older than the TTL, and ErrRedirectMismatch when the callback's
	// effective URI differs from the stored one.
	Consume(ctx context.Context, state, redirectURI string) (*AuthorizationRequest, error)
}

// GenerateState returns a fresh random state value with 256 bits of entropy.
func GenerateState() (string, error) {
	return randomToken(32)
}

// GenerateNonce returns a fresh OIDC nonce.
func GenerateNonce() (string, error) {
	return randomToken(16)
}

// GeneratePKCE returns a code verifier and its S256 challenge (RFC 7636).
func GeneratePKCE() (verifier, challenge string, err error) {
	verifier, err = randomToken(32)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	hash := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(hash[:]), nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MemoryPendingStore is an in-memory PendingRequestStore for single-process
// deployments and tests.
type MemoryPendingStore struct {
	mu       sync.Mutex
	requests map[string]*AuthorizationRequest
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryPendingStore creates a MemoryPendingStore. A non-positive ttl
// falls back to DefaultPendingTTL.
func NewMemoryPendingStore(ttl time.Duration) *MemoryPendingStore {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &MemoryPendingStore{
		requests: make(map[string]*AuthorizationRequest),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Save implements PendingRequestStore.
func (s *MemoryPendingStore) Save(_ context.Context, req *AuthorizationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Opportunistically drop expired entries so abandoned logins don't
	// accumulate.
	cutoff := s.now().Add(-s.ttl)
	for state, pending := range s.requests {
		if pending.CreatedAt.Before(cutoff) {
			delete(s.requests, state)
		}
	}

	if _, exists := s.requests[req.State]; exists {
		return ErrDuplicateState
	}
	stored := *req
	s.requests[req.State] = &stored
	return nil
}

// Consume implements PendingRequestStore.
func (s *MemoryPendingStore) Consume(_ context.Context, state, redirectURI string) (*AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[state]
	if !ok {
		return nil, ErrStateNotFound
	}
	delete(s.requests, state)

	if s.now().Sub(req.CreatedAt) > s.ttl {
		return nil, ErrRequestExpired
	}
	if req.RedirectURI != redirectURI {
		return nil, ErrRedirectMismatch
	}
	out := *req
	return &out, nil
}
