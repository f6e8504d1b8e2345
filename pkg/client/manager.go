package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tokengate/tokengate/pkg/logger"
	"github.com/tokengate/tokengate/pkg/registry"
)

// DefaultExpirySkew is subtracted from token lifetimes so a token about to
// expire is refreshed before a resource server sees it.
const DefaultExpirySkew = 60 * time.Second

// maxTokenLifetimeSeconds caps expires_in values before the seconds to
// time.Duration conversion; anything larger would overflow int64 nanoseconds.
// Some providers report absurd lifetimes for non-expiring tokens.
const maxTokenLifetimeSeconds = 10 * 365 * 24 * 60 * 60

// Authorization is the outcome of an Authorize call. Exactly one of the two
// fields is set: either a usable authorized client, or a redirect the caller
// must send the user to.
type Authorization struct {
	// Client holds the usable token bundle when authorization succeeded.
	Client *AuthorizedClient

	// RedirectURL is the provider authorization URL to redirect the user
	// to when a new authorization-code flow was initiated.
	RedirectURL string
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Registry is the provider registration catalog. Required.
	Registry *registry.Registry

	// Endpoint performs token endpoint exchanges. Required.
	Endpoint *EndpointClient

	// Clients persists authorized clients. Required.
	Clients AuthorizedClientStore

	// Pending tracks in-flight authorization requests. Required for
	// authorization_code registrations.
	Pending PendingRequestStore

	// ExpirySkew is how close to expiry a token may be before it is
	// treated as expired. Defaults to DefaultExpirySkew.
	ExpirySkew time.Duration
}

// Manager decides, per (principal, registration), whether to reuse a stored
// token, refresh it, or initiate a new authorization, and coordinates the
// stores and the token endpoint to carry that decision out.
type Manager struct {
	registry *registry.Registry
	endpoint *EndpointClient
	clients  AuthorizedClientStore
	pending  PendingRequestStore
	skew     time.Duration

	// group coalesces concurrent token-endpoint calls per
	// (principal, registration) key so parallel callers share one refresh
	// instead of racing the provider.
	group singleflight.Group

	now func() time.Time
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Registry == nil {
		return nil, newError(ErrTypeConfiguration, "registry is required", nil)
	}
	if cfg.Endpoint == nil {
		return nil, newError(ErrTypeConfiguration, "endpoint client is required", nil)
	}
	if cfg.Clients == nil {
		return nil, newError(ErrTypeConfiguration, "authorized client store is required", nil)
	}
	skew := cfg.ExpirySkew
	if skew <= 0 {
		skew = DefaultExpirySkew
	}
	return &Manager{
		registry: cfg.Registry,
		endpoint: cfg.Endpoint,
		clients:  cfg.Clients,
		pending:  cfg.Pending,
		skew:     skew,
		now:      time.Now,
	}, nil
}

// Authorize returns a usable access token for the principal against the
// registration, refreshing or re-initiating authorization as needed.
func (m *Manager) Authorize(ctx context.Context, principalName, registrationID string) (*Authorization, error) {
	reg, err := m.registry.Get(registrationID)
	if err != nil {
		return nil, newError(ErrTypeConfiguration, "unknown registration", err)
	}

	existing, err := m.clients.Get(ctx, principalName, registrationID)
	if err != nil && !errors.Is(err, ErrClientNotFound) {
		return nil, fmt.Errorf("failed to load authorized client: %w", err)
	}

	// A stored token that is not near expiry is reused without any
	// network traffic.
	if existing != nil && !existing.AccessToken.ExpiresWithin(m.now(), m.skew) {
		return &Authorization{Client: existing}, nil
	}

	if existing != nil && existing.RefreshToken != nil {
		refreshed, err := m.refresh(ctx, reg, principalName)
		if err != nil {
			return nil, err
		}
		return &Authorization{Client: refreshed}, nil
	}

	switch reg.GrantType {
	case registry.GrantAuthorizationCode:
		return m.initiate(ctx, reg, principalName)
	case registry.GrantClientCredentials:
		acquired, err := m.acquireDirect(ctx, reg, principalName, GrantRequest{
			Kind:   registry.GrantClientCredentials,
			Scopes: reg.Scopes,
		})
		if err != nil {
			return nil, err
		}
		return &Authorization{Client: acquired}, nil
	case registry.GrantPassword:
		// The engine never stores resource-owner credentials, so an
		// expired password-grant client without a refresh token can
		// only be re-established by the caller via AuthorizePassword.
		return nil, newError(ErrTypeReauthorizationRequired,
			fmt.Sprintf("password credentials required for registration %s", registrationID), nil)
	default:
		return nil, newError(ErrTypeConfiguration,
			fmt.Sprintf("registration %s has unsupported grant type %q", registrationID, reg.GrantType), nil)
	}
}

// AuthorizePassword performs a resource-owner password exchange and stores
// the result. There is no redirect leg.
func (m *Manager) AuthorizePassword(
	ctx context.Context,
	principalName, registrationID, username, password string,
) (*AuthorizedClient, error) {
	reg, err := m.registry.Get(registrationID)
	if err != nil {
		return nil, newError(ErrTypeConfiguration, "unknown registration", err)
	}
	if reg.GrantType != registry.GrantPassword {
		return nil, newError(ErrTypeConfiguration,
			fmt.Sprintf("registration %s does not use the password grant", registrationID), nil)
	}
	return m.acquireDirect(ctx, reg, principalName, GrantRequest{
		Kind:     registry.GrantPassword,
		Username: username,
		Password: password,
		Scopes:   reg.Scopes,
	})
}

// CompleteAuthorization finishes an authorization-code flow when the
// provider's callback arrives. The pending request is consumed exactly once;
// any consumption failure is terminal for this login attempt and the caller
// must restart it.
func (m *Manager) CompleteAuthorization(ctx context.Context, state, code, redirectURI string) (*AuthorizedClient, error) {
	if m.pending == nil {
		return nil, newError(ErrTypeConfiguration, "no pending request store configured", nil)
	}

	req, err := m.pending.Consume(ctx, state, redirectURI)
	if err != nil {
		return nil, newError(ErrTypeRequestInvalid, "callback could not be matched to a pending request", err)
	}

	reg, err := m.registry.Get(req.RegistrationID)
	if err != nil {
		return nil, newError(ErrTypeConfiguration, "unknown registration", err)
	}

	resp, err := m.endpoint.Exchange(ctx, reg, GrantRequest{
		Kind:         registry.GrantAuthorizationCode,
		Code:         code,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
	})
	if err != nil {
		return nil, err
	}

	authorized := m.buildAuthorizedClient(reg.ID, req.PrincipalName, resp, req.Scopes)
	if err := m.clients.Put(ctx, authorized); err != nil {
		return nil, fmt.Errorf("failed to store authorized client: %w", err)
	}

	logger.Infow("Authorization completed",
		"registration", reg.ID, "principal", req.PrincipalName)
	return authorized, nil
}

// FailAuthorization consumes the pending request for a provider error
// callback (?error=...&state=...) so the state cannot be replayed, and
// returns the terminal error for the attempt.
func (m *Manager) FailAuthorization(ctx context.Context, state, redirectURI, providerError, description string) error {
	if m.pending != nil {
		if _, err := m.pending.Consume(ctx, state, redirectURI); err != nil {
			return newError(ErrTypeRequestInvalid, "error callback could not be matched to a pending request", err)
		}
	}
	message := fmt.Sprintf("provider denied authorization: %s", providerError)
	if description != "" {
		message += ": " + description
	}
	return &Error{Type: ErrTypeExchangeProtocol, Message: message, OAuthCode: providerError}
}

// initiate starts a new authorization-code flow: persist a pending request
// and hand back the provider redirect URL.
func (m *Manager) initiate(ctx context.Context, reg registry.Registration, principalName string) (*Authorization, error) {
	if m.pending == nil {
		return nil, newError(ErrTypeConfiguration, "no pending request store configured", nil)
	}

	req, opts, err := m.newAuthorizationRequest(reg, principalName)
	if err != nil {
		return nil, err
	}

	if err := m.pending.Save(ctx, req); err != nil {
		if errors.Is(err, ErrDuplicateState) {
			// Astronomically unlikely with 256-bit states; regenerate
			// once rather than looping.
			req, opts, err = m.newAuthorizationRequest(reg, principalName)
			if err != nil {
				return nil, err
			}
			err = m.pending.Save(ctx, req)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to persist pending request: %w", err)
		}
	}

	redirectURL := oauthConfig(reg).AuthCodeURL(req.State, opts...)
	logger.Debugw("Initiated authorization flow",
		"registration", reg.ID, "principal", principalName)
	return &Authorization{RedirectURL: redirectURL}, nil
}

func (m *Manager) newAuthorizationRequest(
	reg registry.Registration,
	principalName string,
) (*AuthorizationRequest, []oauth2.AuthCodeOption, error) {
	state, err := GenerateState()
	if err != nil {
		return nil, nil, err
	}

	req := &AuthorizationRequest{
		State:          state,
		RedirectURI:    reg.ExpandedRedirectURL(),
		Scopes:         reg.Scopes,
		RegistrationID: reg.ID,
		PrincipalName:  principalName,
		CreatedAt:      m.now(),
	}

	var opts []oauth2.AuthCodeOption
	if reg.Issuer != "" {
		nonce, err := GenerateNonce()
		if err != nil {
			return nil, nil, err
		}
		req.Nonce = nonce
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	if reg.UsePKCE {
		verifier, challenge, err := GeneratePKCE()
		if err != nil {
			return nil, nil, err
		}
		req.CodeVerifier = verifier
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", challenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return req, opts, nil
}

// refresh exchanges the stored refresh token for a new access token. At most
// one refresh per (principal, registration) is in flight; concurrent callers
// await the same result.
func (m *Manager) refresh(ctx context.Context, reg registry.Registration, principalName string) (*AuthorizedClient, error) {
	result, err, _ := m.group.Do(clientKey(principalName, reg.ID), func() (any, error) {
		// Re-read under the flight: a caller that lost the race may find
		// the token already refreshed.
		current, err := m.clients.Get(ctx, principalName, reg.ID)
		if err != nil {
			if errors.Is(err, ErrClientNotFound) {
				return nil, newError(ErrTypeReauthorizationRequired,
					"authorized client removed while awaiting refresh", err)
			}
			return nil, fmt.Errorf("failed to load authorized client: %w", err)
		}
		if !current.AccessToken.ExpiresWithin(m.now(), m.skew) {
			return current, nil
		}
		if current.RefreshToken == nil {
			return nil, newError(ErrTypeReauthorizationRequired,
				"stored client has no refresh token", nil)
		}

		resp, err := m.endpoint.Exchange(ctx, reg, GrantRequest{
			Kind:              registry.GrantRefreshToken,
			RefreshTokenValue: current.RefreshToken.Value,
		})
		if err != nil {
			if IsProtocolFailure(err) {
				// The provider revoked or invalidated the grant. The
				// stored client is useless; remove it and demand a
				// fresh authorization.
				if removeErr := m.clients.Remove(ctx, principalName, reg.ID); removeErr != nil {
					logger.Warnw("Failed to remove revoked client",
						"registration", reg.ID, "principal", principalName, "error", removeErr)
				}
				logger.Infow("Refresh rejected, re-authorization required",
					"registration", reg.ID, "principal", principalName, "oauth_code", OAuthCode(err))
				return nil, newError(ErrTypeReauthorizationRequired, "refresh token rejected by provider", err)
			}
			return nil, err
		}

		replacement := m.buildAuthorizedClient(reg.ID, principalName, resp, current.AccessToken.Scopes)
		if replacement.RefreshToken == nil {
			// Providers may omit the refresh token on rotation; keep
			// the previous one.
			replacement.RefreshToken = current.RefreshToken
		}
		if err := m.clients.Put(ctx, replacement); err != nil {
			return nil, fmt.Errorf("failed to store refreshed client: %w", err)
		}
		return replacement, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*AuthorizedClient), nil
}

// acquireDirect performs a grant with no redirect leg (client_credentials,
// password), coalesced per key like refresh.
func (m *Manager) acquireDirect(
	ctx context.Context,
	reg registry.Registration,
	principalName string,
	grant GrantRequest,
) (*AuthorizedClient, error) {
	result, err, _ := m.group.Do(clientKey(principalName, reg.ID), func() (any, error) {
		current, err := m.clients.Get(ctx, principalName, reg.ID)
		if err == nil && !current.AccessToken.ExpiresWithin(m.now(), m.skew) {
			return current, nil
		}
		if err != nil && !errors.Is(err, ErrClientNotFound) {
			return nil, fmt.Errorf("failed to load authorized client: %w", err)
		}

		resp, err := m.endpoint.Exchange(ctx, reg, grant)
		if err != nil {
			return nil, err
		}

		authorized := m.buildAuthorizedClient(reg.ID, principalName, resp, grant.Scopes)
		if err := m.clients.Put(ctx, authorized); err != nil {
			return nil, fmt.Errorf("failed to store authorized client: %w", err)
		}
		return authorized, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*AuthorizedClient), nil
}

// buildAuthorizedClient converts a token endpoint response into the stored
// representation. When the response omits the scope the requested scopes are
// assumed, per RFC 6749 §5.1.
func (m *Manager) buildAuthorizedClient(
	registrationID, principalName string,
	resp *TokenResponse,
	requestedScopes []string,
) *AuthorizedClient {
	now := m.now()

	scopes := requestedScopes
	if resp.Scope != "" {
		scopes = strings.Split(resp.Scope, " ")
	}

	token := AccessToken{
		Value:     resp.AccessToken,
		TokenType: resp.TokenType,
		IssuedAt:  now,
		Scopes:    scopes,
	}
	if resp.ExpiresIn > 0 {
		lifetime := resp.ExpiresIn
		if lifetime > maxTokenLifetimeSeconds {
			lifetime = maxTokenLifetimeSeconds
		}
		token.ExpiresAt = now.Add(time.Duration(lifetime) * time.Second)
	}

	authorized := &AuthorizedClient{
		RegistrationID: registrationID,
		PrincipalName:  principalName,
		AccessToken:    token,
	}
	if resp.RefreshToken != "" {
		authorized.RefreshToken = &RefreshToken{Value: resp.RefreshToken, IssuedAt: now}
	}
	return authorized
}

// oauthConfig maps a registration onto an oauth2.Config for URL building.
func oauthConfig(reg registry.Registration) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURL:  reg.ExpandedRedirectURL(),
		Scopes:       reg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  reg.AuthorizationURL,
			TokenURL: reg.TokenURL,
		},
	}
}
