package registry

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/tokengate/tokengate/pkg/networking"
)

// Well-known metadata paths.
const (
	wellKnownOIDCPath        = "/.well-known/openid-configuration"
	wellKnownOAuthServerPath = "/.well-known/oauth-authorization-server"
)

// DiscoveryDocument is the subset of OIDC provider metadata this engine
// consumes.
type DiscoveryDocument struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	JWKSURI                       string   `json:"jwks_uri"`
	IntrospectionEndpoint         string   `json:"introspection_endpoint"`
	UserinfoEndpoint              string   `json:"userinfo_endpoint"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

// Discover fetches the provider metadata for an issuer, trying the OIDC
// well-known location first and falling back to the OAuth authorization
// server metadata location.
func Discover(ctx context.Context, client networking.HTTPClient, issuer string) (*DiscoveryDocument, error) {
	oidcURL, oauthURL, err := buildWellKnownURLs(issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to build well-known URLs: %w", err)
	}

	try := func(urlStr string, requireJWKS bool) (*DiscoveryDocument, error) {
		doc, err := networking.GetJSON[DiscoveryDocument](ctx, client, urlStr)
		if err != nil {
			return nil, err
		}
		if err := validateDocument(doc, issuer, requireJWKS); err != nil {
			return nil, fmt.Errorf("%s: invalid metadata: %w", urlStr, err)
		}
		return doc, nil
	}

	doc, oidcErr := try(oidcURL, true)
	if oidcErr == nil {
		return doc, nil
	}
	doc, oauthErr := try(oauthURL, false)
	if oauthErr == nil {
		return doc, nil
	}

	return nil, fmt.Errorf("unable to discover endpoints at %q or %q: OIDC error: %v, OAuth error: %v",
		oidcURL, oauthURL, oidcErr, oauthErr)
}

// Resolve fills any endpoints missing from the registration via issuer
// discovery. Explicitly configured endpoints always win. PKCE is switched on
// when the provider advertises S256 support.
func Resolve(ctx context.Context, client networking.HTTPClient, reg Registration) (Registration, error) {
	if reg.Issuer == "" {
		return reg, nil
	}
	needsDiscovery := reg.TokenURL == "" || reg.JWKSURL == "" ||
		(reg.GrantType == GrantAuthorizationCode && reg.AuthorizationURL == "")
	if !needsDiscovery {
		return reg, nil
	}

	doc, err := Discover(ctx, client, reg.Issuer)
	if err != nil {
		return Registration{}, fmt.Errorf("registration %s: %w", reg.ID, err)
	}

	if reg.AuthorizationURL == "" {
		reg.AuthorizationURL = doc.AuthorizationEndpoint
	}
	if reg.TokenURL == "" {
		reg.TokenURL = doc.TokenEndpoint
	}
	if reg.JWKSURL == "" {
		reg.JWKSURL = doc.JWKSURI
	}
	if reg.IntrospectionURL == "" {
		reg.IntrospectionURL = doc.IntrospectionEndpoint
	}
	if !reg.UsePKCE {
		for _, method := range doc.CodeChallengeMethodsSupported {
			if method == "S256" {
				reg.UsePKCE = true
				break
			}
		}
	}
	return reg, nil
}

func validateDocument(doc *DiscoveryDocument, expectedIssuer string, requireJWKS bool) error {
	if doc.Issuer == "" {
		return fmt.Errorf("missing issuer")
	}
	if doc.TokenEndpoint == "" {
		return fmt.Errorf("missing token_endpoint")
	}
	if requireJWKS && doc.JWKSURI == "" {
		return fmt.Errorf("missing jwks_uri (OIDC requires it)")
	}

	// The issuer in the document must match the issuer we asked about.
	if strings.TrimSuffix(doc.Issuer, "/") != strings.TrimSuffix(expectedIssuer, "/") {
		return fmt.Errorf("issuer mismatch: expected %s, got %s", expectedIssuer, doc.Issuer)
	}

	for name, endpoint := range map[string]string{
		"authorization_endpoint": doc.AuthorizationEndpoint,
		"token_endpoint":         doc.TokenEndpoint,
		"jwks_uri":               doc.JWKSURI,
		"introspection_endpoint": doc.IntrospectionEndpoint,
		"userinfo_endpoint":      doc.UserinfoEndpoint,
	} {
		if endpoint != "" {
			if err := networking.ValidateEndpointURL(endpoint, false); err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
		}
	}
	return nil
}

func buildWellKnownURLs(issuer string) (oidcURL, oauthURL string, err error) {
	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return "", "", fmt.Errorf("invalid issuer URL: %w", err)
	}
	if issuerURL.Scheme != "https" && !networking.IsLocalhost(issuerURL.Host) {
		return "", "", fmt.Errorf("issuer must use HTTPS: %s", issuer)
	}

	// Tenant/realm path segments may be nested.
	tenant := strings.Trim(issuerURL.EscapedPath(), "/")

	base := &url.URL{Scheme: issuerURL.Scheme, Host: issuerURL.Host}

	// OIDC: /{tenant}/.well-known/openid-configuration
	oidc := *base
	oidc.Path = path.Join("/", tenant, wellKnownOIDCPath)
	oidcURL = oidc.String()

	// OAuth AS metadata: /.well-known/oauth-authorization-server/{tenant}
	oauth := *base
	oauth.Path = path.Join(wellKnownOAuthServerPath, tenant)
	oauthURL = oauth.String()

	return oidcURL, oauthURL, nil
}
