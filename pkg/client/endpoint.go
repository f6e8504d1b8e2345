package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tokengate/tokengate/pkg/logger"
	"github.com/tokengate/tokengate/pkg/networking"
	"github.com/tokengate/tokengate/pkg/registry"
)

const redactedPlaceholder = "[REDACTED]"

// GrantRequest is a tagged variant describing one token endpoint exchange.
// Kind selects the grant; only the fields for that grant are read.
type GrantRequest struct {
	// Kind is the grant type tag.
	Kind registry.GrantType

	// Code and RedirectURI are read for authorization_code grants.
	// CodeVerifier carries the PKCE verifier when the registration uses
	// PKCE.
	Code         string
	RedirectURI  string
	CodeVerifier string

	// RefreshTokenValue is read for refresh_token grants.
	RefreshTokenValue string

	// Username and Password are read for password grants.
	Username string
	Password string

	// Scopes narrows the requested scope where the grant allows it
	// (client_credentials, password, refresh_token).
	Scopes []string
}

// String redacts credentials and token material.
func (g GrantRequest) String() string {
	return fmt.Sprintf("GrantRequest{Kind:%q, Scopes:%v}", g.Kind, g.Scopes)
}

// TokenResponse is a successful token endpoint response (RFC 6749 §5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// String redacts token material.
func (r TokenResponse) String() string {
	access, refresh := redactedPlaceholder, redactedPlaceholder
	if r.AccessToken == "" {
		access = "<empty>"
	}
	if r.RefreshToken == "" {
		refresh = "<none>"
	}
	return fmt.Sprintf("TokenResponse{AccessToken:%s, TokenType:%s, ExpiresIn:%d, RefreshToken:%s}",
		access, r.TokenType, r.ExpiresIn, refresh)
}

// EndpointClient performs grant-specific exchanges against token endpoints.
// It is stateless; one instance serves all registrations.
type EndpointClient struct {
	httpClient networking.HTTPClient
	now        func() time.Time
}

// NewEndpointClient creates an EndpointClient. A nil httpClient falls back
// to a hardened default.
func NewEndpointClient(httpClient networking.HTTPClient) (*EndpointClient, error) {
	if httpClient == nil {
		built, err := networking.NewClientBuilder().Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build HTTP client: %w", err)
		}
		httpClient = built
	}
	return &EndpointClient{httpClient: httpClient, now: time.Now}, nil
}

// Exchange posts the grant to the registration's token endpoint and returns
// the issued tokens. Protocol rejections surface as ErrTypeExchangeProtocol
// with the RFC 6749 error code attached; network failures surface as
// ErrTypeExchangeTransport.
func (c *EndpointClient) Exchange(
	ctx context.Context,
	reg registry.Registration,
	grant GrantRequest,
) (*TokenResponse, error) {
	form, err := buildGrantForm(reg, grant)
	if err != nil {
		return nil, err
	}

	opts := []networking.RequestOption{
		networking.WithErrorHandler(func(status int, body []byte) error {
			return parseTokenError(reg.ID, status, body)
		}),
	}
	switch reg.AuthMethod {
	case registry.ClientAuthPost:
		form.Set("client_id", reg.ClientID)
		if reg.ClientSecret != "" {
			form.Set("client_secret", reg.ClientSecret)
		}
	default:
		// client_secret_basic per RFC 6749 section 2.3.1.
		opts = append(opts, networking.WithBasicAuth(reg.ClientID, reg.ClientSecret))
	}

	resp, err := networking.PostFormJSON[TokenResponse](ctx, c.httpClient, reg.TokenURL, form, opts...)
	if err != nil {
		var typed *Error
		if errors.As(err, &typed) {
			return nil, typed
		}
		// Malformed success bodies and HTTP errors without a parseable
		// OAuth payload are protocol failures; everything else is the
		// transport.
		if networking.IsHTTPError(err, 0) || errors.Is(err, networking.ErrUnexpectedResponse) {
			return nil, newError(ErrTypeExchangeProtocol,
				fmt.Sprintf("token endpoint for %s returned an unusable response", reg.ID), err)
		}
		return nil, newError(ErrTypeExchangeTransport,
			fmt.Sprintf("token endpoint for %s unreachable", reg.ID), err)
	}

	if resp.AccessToken == "" {
		return nil, newError(ErrTypeExchangeProtocol,
			fmt.Sprintf("token endpoint for %s returned empty access_token", reg.ID), nil)
	}
	if resp.TokenType == "" {
		resp.TokenType = "Bearer"
	}

	logger.Debugw("Token exchange succeeded",
		"registration", reg.ID, "grant", string(grant.Kind), "expires_in", resp.ExpiresIn)
	return resp, nil
}

// buildGrantForm constructs the form body for the grant. The switch is
// exhaustive over the closed grant set.
func buildGrantForm(reg registry.Registration, grant GrantRequest) (url.Values, error) {
	form := url.Values{}
	form.Set("grant_type", string(grant.Kind))

	switch grant.Kind {
	case registry.GrantAuthorizationCode:
		if grant.Code == "" {
			return nil, newError(ErrTypeConfiguration, "authorization code is required", nil)
		}
		form.Set("code", grant.Code)
		form.Set("redirect_uri", grant.RedirectURI)
		if grant.CodeVerifier != "" {
			form.Set("code_verifier", grant.CodeVerifier)
		}
	case registry.GrantRefreshToken:
		if grant.RefreshTokenValue == "" {
			return nil, newError(ErrTypeConfiguration, "refresh token is required", nil)
		}
		form.Set("refresh_token", grant.RefreshTokenValue)
		setScope(form, grant.Scopes)
	case registry.GrantClientCredentials:
		setScope(form, grant.Scopes)
	case registry.GrantPassword:
		if grant.Username == "" {
			return nil, newError(ErrTypeConfiguration, "username is required for password grant", nil)
		}
		form.Set("username", grant.Username)
		form.Set("password", grant.Password)
		setScope(form, grant.Scopes)
	default:
		return nil, newError(ErrTypeConfiguration,
			fmt.Sprintf("unsupported grant type %q for registration %s", grant.Kind, reg.ID), nil)
	}
	return form, nil
}

func setScope(form url.Values, scopes []string) {
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
}

// parseTokenError maps an RFC 6749 §5.2 error body onto the failure
// taxonomy. Bodies that are not OAuth error JSON fall through to the generic
// HTTPError path.
func parseTokenError(registrationID string, status int, body []byte) error {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description,omitempty"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		return nil
	}

	message := fmt.Sprintf("token endpoint for %s rejected the grant: %s (status %d)",
		registrationID, payload.Error, status)
	if payload.ErrorDescription != "" {
		message += ": " + payload.ErrorDescription
	}
	return &Error{Type: ErrTypeExchangeProtocol, Message: message, OAuthCode: payload.Error}
}
