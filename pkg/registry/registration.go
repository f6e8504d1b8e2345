// Package registry holds the catalog of OAuth provider registrations used by
// the client authorization engine and the resource-server validators.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tokengate/tokengate/pkg/networking"
)

// GrantType is the OAuth 2.0 method of obtaining a token.
type GrantType string

// Supported grant types.
const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantClientCredentials GrantType = "client_credentials"
	GrantPassword          GrantType = "password"
	GrantRefreshToken      GrantType = "refresh_token"
)

// ClientAuthMethod selects how the client authenticates to the token
// endpoint.
type ClientAuthMethod string

// Supported client authentication methods.
const (
	// ClientAuthBasic sends client credentials via HTTP Basic auth
	// (RFC 6749 section 2.3.1, the recommended method).
	ClientAuthBasic ClientAuthMethod = "client_secret_basic"

	// ClientAuthPost embeds client credentials in the form body.
	ClientAuthPost ClientAuthMethod = "client_secret_post"
)

// Common errors.
var (
	ErrRegistrationNotFound  = errors.New("client registration not found")
	ErrDuplicateRegistration = errors.New("duplicate registration id")
)

// Registration describes one provider a client may authorize against.
// Registrations are immutable once loaded into a Registry.
type Registration struct {
	// ID uniquely identifies this registration within a Registry.
	ID string `mapstructure:"id"`

	// ClientID is the OAuth client identifier issued by the provider.
	ClientID string `mapstructure:"client_id"`

	// ClientSecret is the OAuth client secret (may be empty for PKCE-only
	// public clients).
	ClientSecret string `mapstructure:"client_secret"`

	// ClientSecretFile points at a file holding the client secret, for
	// deployments that mount secrets rather than inlining them. Mutually
	// exclusive with ClientSecret.
	ClientSecretFile string `mapstructure:"client_secret_file"`

	// AuthorizationURL is the provider's authorization endpoint.
	AuthorizationURL string `mapstructure:"authorization_url"`

	// TokenURL is the provider's token endpoint.
	TokenURL string `mapstructure:"token_url"`

	// RedirectURL is the callback URL registered with the provider. The
	// literal placeholder {id} expands to the registration ID.
	RedirectURL string `mapstructure:"redirect_url"`

	// Scopes are the scopes requested during authorization.
	Scopes []string `mapstructure:"scopes"`

	// GrantType is the grant this registration uses to obtain tokens.
	GrantType GrantType `mapstructure:"grant_type"`

	// AuthMethod selects basic or body-embedded client authentication.
	// Defaults to client_secret_basic.
	AuthMethod ClientAuthMethod `mapstructure:"auth_method"`

	// UsePKCE enables PKCE (RFC 7636, S256) on the authorization-code leg.
	UsePKCE bool `mapstructure:"use_pkce"`

	// Issuer is the OIDC issuer. When set, missing endpoints can be filled
	// in via discovery, and a nonce is added to authorization requests.
	Issuer string `mapstructure:"issuer"`

	// JWKSURL is the provider's published key-set endpoint, used when this
	// registration backs local JWT validation.
	JWKSURL string `mapstructure:"jwks_url"`

	// IntrospectionURL is the provider's RFC 7662 endpoint, used when this
	// registration backs opaque-token introspection.
	IntrospectionURL string `mapstructure:"introspection_url"`
}

// Validate checks that the registration is internally consistent. Violations
// are configuration errors and fatal at startup.
func (r *Registration) Validate() error {
	if r.ID == "" {
		return errors.New("registration id is required")
	}
	if r.ClientID == "" {
		return fmt.Errorf("registration %s: client id is required", r.ID)
	}
	if r.ClientSecret != "" && r.ClientSecretFile != "" {
		return fmt.Errorf("registration %s: client_secret and client_secret_file are mutually exclusive", r.ID)
	}

	switch r.GrantType {
	case GrantAuthorizationCode:
		if r.AuthorizationURL == "" {
			return fmt.Errorf("registration %s: authorization URL is required for authorization_code", r.ID)
		}
		if r.RedirectURL == "" {
			return fmt.Errorf("registration %s: redirect URL is required for authorization_code", r.ID)
		}
	case GrantClientCredentials, GrantPassword:
		// No redirect leg.
	case GrantRefreshToken:
		return fmt.Errorf("registration %s: refresh_token is not a standalone registration grant", r.ID)
	default:
		return fmt.Errorf("registration %s: unsupported grant type %q", r.ID, r.GrantType)
	}

	if r.TokenURL == "" && r.Issuer == "" {
		return fmt.Errorf("registration %s: token URL or issuer is required", r.ID)
	}

	for name, endpoint := range map[string]string{
		"authorization_url": r.AuthorizationURL,
		"token_url":         r.TokenURL,
		"jwks_url":          r.JWKSURL,
		"introspection_url": r.IntrospectionURL,
	} {
		if endpoint == "" {
			continue
		}
		if err := networking.ValidateEndpointURL(endpoint, false); err != nil {
			return fmt.Errorf("registration %s: invalid %s: %w", r.ID, name, err)
		}
	}

	switch r.AuthMethod {
	case "", ClientAuthBasic, ClientAuthPost:
	default:
		return fmt.Errorf("registration %s: unsupported auth method %q", r.ID, r.AuthMethod)
	}

	return nil
}

// ExpandedRedirectURL returns the redirect URL with the {id} placeholder
// substituted.
func (r *Registration) ExpandedRedirectURL() string {
	return strings.ReplaceAll(r.RedirectURL, "{id}", r.ID)
}

// String returns a representation with the client secret redacted.
func (r *Registration) String() string {
	return fmt.Sprintf("Registration{ID:%q, ClientID:%q, GrantType:%q}", r.ID, r.ClientID, r.GrantType)
}
