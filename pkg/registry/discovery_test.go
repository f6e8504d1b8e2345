package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// discoveryServer serves OIDC provider metadata at the standard well-known
// path, deriving endpoint URLs from its own address.
func discoveryServer(t *testing.T, mutate func(*DiscoveryDocument)) *httptest.Server {
	t.Helper()

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != wellKnownOIDCPath {
			http.NotFound(w, r)
			return
		}
		doc := DiscoveryDocument{
			Issuer:                        server.URL,
			AuthorizationEndpoint:         server.URL + "/authorize",
			TokenEndpoint:                 server.URL + "/token",
			JWKSURI:                       server.URL + "/jwks",
			IntrospectionEndpoint:         server.URL + "/introspect",
			CodeChallengeMethodsSupported: []string{"S256", "plain"},
		}
		if mutate != nil {
			mutate(&doc)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	server := discoveryServer(t, nil)

	doc, err := Discover(context.Background(), server.Client(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/token", doc.TokenEndpoint)
	assert.Equal(t, server.URL+"/jwks", doc.JWKSURI)
}

func TestDiscover_IssuerMismatch(t *testing.T) {
	t.Parallel()

	server := discoveryServer(t, func(doc *DiscoveryDocument) {
		doc.Issuer = "https://impostor.example.com"
	})

	_, err := Discover(context.Background(), server.Client(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issuer mismatch")
}

func TestDiscover_FallsBackToOAuthMetadata(t *testing.T) {
	t.Parallel()

	// Only the OAuth AS metadata location answers; the OIDC one 404s.
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != wellKnownOAuthServerPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(DiscoveryDocument{
			Issuer:        server.URL,
			TokenEndpoint: server.URL + "/token",
		})
	}))
	t.Cleanup(server.Close)

	doc, err := Discover(context.Background(), server.Client(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/token", doc.TokenEndpoint)
	assert.Empty(t, doc.JWKSURI)
}

func TestDiscover_RequiresHTTPSIssuer(t *testing.T) {
	t.Parallel()

	_, err := Discover(context.Background(), http.DefaultClient, "http://provider.example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTPS")
}

func TestBuildWellKnownURLs_TenantPath(t *testing.T) {
	t.Parallel()

	oidcURL, oauthURL, err := buildWellKnownURLs("https://login.example.com/realms/acme")
	require.NoError(t, err)
	assert.Equal(t, "https://login.example.com/realms/acme/.well-known/openid-configuration", oidcURL)
	assert.Equal(t, "https://login.example.com/.well-known/oauth-authorization-server/realms/acme", oauthURL)
}

func TestResolve_FillsMissingEndpoints(t *testing.T) {
	t.Parallel()

	server := discoveryServer(t, nil)

	reg := Registration{
		ID:          "oidc-provider",
		ClientID:    "client-1",
		GrantType:   GrantAuthorizationCode,
		Issuer:      server.URL,
		RedirectURL: "https://app.example.com/callback/{id}",
	}

	resolved, err := Resolve(context.Background(), server.Client(), reg)
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/authorize", resolved.AuthorizationURL)
	assert.Equal(t, server.URL+"/token", resolved.TokenURL)
	assert.Equal(t, server.URL+"/jwks", resolved.JWKSURL)
	assert.Equal(t, server.URL+"/introspect", resolved.IntrospectionURL)

	// The provider advertises S256, so PKCE is switched on.
	assert.True(t, resolved.UsePKCE)
}

func TestResolve_ExplicitEndpointsWin(t *testing.T) {
	t.Parallel()

	server := discoveryServer(t, nil)

	reg := Registration{
		ID:               "oidc-provider",
		ClientID:         "client-1",
		GrantType:        GrantAuthorizationCode,
		Issuer:           server.URL,
		AuthorizationURL: "https://custom.example.com/authorize",
		RedirectURL:      "https://app.example.com/callback/{id}",
	}

	resolved, err := Resolve(context.Background(), server.Client(), reg)
	require.NoError(t, err)
	assert.Equal(t, "https://custom.example.com/authorize", resolved.AuthorizationURL)
	assert.Equal(t, server.URL+"/token", resolved.TokenURL)
}

func TestResolve_NoIssuerIsNoOp(t *testing.T) {
	t.Parallel()

	reg := validRegistration()
	resolved, err := Resolve(context.Background(), nil, reg)
	require.NoError(t, err)
	assert.Equal(t, reg, resolved)
}

func TestResolve_CompleteRegistrationSkipsDiscovery(t *testing.T) {
	t.Parallel()

	// The server would fail the issuer check if it were consulted.
	server := discoveryServer(t, func(doc *DiscoveryDocument) {
		doc.Issuer = "https://impostor.example.com"
	})

	reg := validRegistration()
	reg.Issuer = server.URL
	reg.JWKSURL = "https://accounts.google.com/jwks"

	resolved, err := Resolve(context.Background(), server.Client(), reg)
	require.NoError(t, err)
	assert.Equal(t, reg, resolved)
}
