package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokengate/tokengate/pkg/registry"
)

func testRegistration(tokenURL string) registry.Registration {
	return registry.Registration{
		ID:           "google",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		TokenURL:     tokenURL,
		RedirectURL:  "https://app.example.com/callback/google",
		Scopes:       []string{"openid", "email"},
		GrantType:    registry.GrantAuthorizationCode,
	}
}

func tokenJSON(w http.ResponseWriter, resp TokenResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func TestEndpointClient_AuthorizationCodeExchange(t *testing.T) {
	t.Parallel()

	var seen struct {
		grantType, code, redirectURI, verifier string
		basicUser, basicPass                   string
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		seen.grantType = r.PostForm.Get("grant_type")
		seen.code = r.PostForm.Get("code")
		seen.redirectURI = r.PostForm.Get("redirect_uri")
		seen.verifier = r.PostForm.Get("code_verifier")
		seen.basicUser, seen.basicPass, _ = r.BasicAuth()
		tokenJSON(w, TokenResponse{
			AccessToken:  "T1",
			TokenType:    "Bearer",
			ExpiresIn:    3600,
			RefreshToken: "R1",
			Scope:        "openid email",
		})
	}))
	t.Cleanup(server.Close)

	client, err := NewEndpointClient(server.Client())
	require.NoError(t, err)

	resp, err := client.Exchange(context.Background(), testRegistration(server.URL), GrantRequest{
		Kind:         registry.GrantAuthorizationCode,
		Code:         "abc123",
		RedirectURI:  "https://app.example.com/callback/google",
		CodeVerifier: "verifier-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "authorization_code", seen.grantType)
	assert.Equal(t, "abc123", seen.code)
	assert.Equal(t, "https://app.example.com/callback/google", seen.redirectURI)
	assert.Equal(t, "verifier-1", seen.verifier)
	assert.Equal(t, "client-1", seen.basicUser)
	assert.Equal(t, "secret-1", seen.basicPass)

	assert.Equal(t, "T1", resp.AccessToken)
	assert.Equal(t, 3600, resp.ExpiresIn)
	assert.Equal(t, "R1", resp.RefreshToken)
}

func TestEndpointClient_ClientSecretPost(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		_, _, hasBasic := r.BasicAuth()
		assert.False(t, hasBasic)
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret-1", r.PostForm.Get("client_secret"))
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "openid email", r.PostForm.Get("scope"))
		tokenJSON(w, TokenResponse{AccessToken: "T1", TokenType: "Bearer", ExpiresIn: 60})
	}))
	t.Cleanup(server.Close)

	reg := testRegistration(server.URL)
	reg.GrantType = registry.GrantClientCredentials
	reg.AuthMethod = registry.ClientAuthPost

	client, err := NewEndpointClient(server.Client())
	require.NoError(t, err)

	_, err = client.Exchange(context.Background(), reg, GrantRequest{
		Kind:   registry.GrantClientCredentials,
		Scopes: []string{"openid", "email"},
	})
	require.NoError(t, err)
}

func TestEndpointClient_RefreshGrant(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "R1", r.PostForm.Get("refresh_token"))
		tokenJSON(w, TokenResponse{AccessToken: "T2", TokenType: "Bearer", ExpiresIn: 3600, RefreshToken: "R2"})
	}))
	t.Cleanup(server.Close)

	client, err := NewEndpointClient(server.Client())
	require.NoError(t, err)

	resp, err := client.Exchange(context.Background(), testRegistration(server.URL), GrantRequest{
		Kind:              registry.GrantRefreshToken,
		RefreshTokenValue: "R1",
	})
	require.NoError(t, err)
	assert.Equal(t, "T2", resp.AccessToken)
	assert.Equal(t, "R2", resp.RefreshToken)
}

func TestEndpointClient_PasswordGrant(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "password", r.PostForm.Get("grant_type"))
		assert.Equal(t, "alice", r.PostForm.Get("username"))
		assert.Equal(t, "hunter2", r.PostForm.Get("password"))
		tokenJSON(w, TokenResponse{AccessToken: "T1", TokenType: "Bearer", ExpiresIn: 3600})
	}))
	t.Cleanup(server.Close)

	client, err := NewEndpointClient(server.Client())
	require.NoError(t, err)

	_, err = client.Exchange(context.Background(), testRegistration(server.URL), GrantRequest{
		Kind:     registry.GrantPassword,
		Username: "alice",
		Password: "hunter2",
	})
	require.NoError(t, err)
}

func TestEndpointClient_OAuthErrorBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired"}`))
	}))
	t.Cleanup(server.Close)

	client, err := NewEndpointClient(server.Client())
	require.NoError(t, err)

	_, err = client.Exchange(context.Background(), testRegistration(server.URL), GrantRequest{
		Kind:        registry.GrantAuthorizationCode,
		Code:        "abc123",
		RedirectURI: "https://app.example.com/callback/google",
	})
	require.Error(t, err)
	assert.True(t, IsProtocolFailure(err))
	assert.False(t, IsTransportFailure(err))
	assert.Equal(t, "invalid_grant", OAuthCode(err))
	assert.Contains(t, err.Error(), "code expired")
}

func TestEndpointClient_NonOAuthErrorBodyIsProtocolFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	client, err := NewEndpointClient(server.Client())
	require.NoError(t, err)

	_, err = client.Exchange(context.Background(), testRegistration(server.URL), GrantRequest{
		Kind:        registry.GrantAuthorizationCode,
		Code:        "abc123",
		RedirectURI: "https://app.example.com/callback/google",
	})
	require.Error(t, err)
	assert.True(t, IsProtocolFailure(err))
	assert.Empty(t, OAuthCode(err))
}

func TestEndpointClient_MalformedSuccessBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("not json"))
	}))
	t.Cleanup(server.Close)

	client, err := NewEndpointClient(server.Client())
	require.NoError(t, err)

	_, err = client.Exchange(context.Background(), testRegistration(server.URL), GrantRequest{
		Kind:        registry.GrantAuthorizationCode,
		Code:        "abc123",
		RedirectURI: "https://app.example.com/callback/google",
	})
	require.Error(t, err)
	assert.True(t, IsProtocolFailure(err))
}

func TestEndpointClient_EmptyAccessToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		tokenJSON(w, TokenResponse{TokenType: "Bearer", ExpiresIn: 3600})
	}))
	t.Cleanup(server.Close)

	client, err := NewEndpointClient(server.Client())
	require.NoError(t, err)

	_, err = client.Exchange(context.Background(), testRegistration(server.URL), GrantRequest{
		Kind:        registry.GrantAuthorizationCode,
		Code:        "abc123",
		RedirectURI: "https://app.example.com/callback/google",
	})
	require.Error(t, err)
	assert.True(t, IsProtocolFailure(err))
}

func TestEndpointClient_UnreachableEndpoint(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	httpClient := server.Client()
	server.Close()

	client, err := NewEndpointClient(httpClient)
	require.NoError(t, err)

	_, err = client.Exchange(context.Background(), testRegistration(server.URL), GrantRequest{
		Kind:        registry.GrantAuthorizationCode,
		Code:        "abc123",
		RedirectURI: "https://app.example.com/callback/google",
	})
	require.Error(t, err)
	assert.True(t, IsTransportFailure(err))
	assert.False(t, IsProtocolFailure(err))
}

func TestEndpointClient_DefaultsTokenType(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		tokenJSON(w, TokenResponse{AccessToken: "T1", ExpiresIn: 3600})
	}))
	t.Cleanup(server.Close)

	client, err := NewEndpointClient(server.Client())
	require.NoError(t, err)

	resp, err := client.Exchange(context.Background(), testRegistration(server.URL), GrantRequest{
		Kind:        registry.GrantAuthorizationCode,
		Code:        "abc123",
		RedirectURI: "https://app.example.com/callback/google",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
}

func TestBuildGrantForm_Validation(t *testing.T) {
	t.Parallel()

	reg := testRegistration("https://provider.example.com/token")

	tests := []struct {
		name  string
		grant GrantRequest
	}{
		{
			name:  "authorization_code without code",
			grant: GrantRequest{Kind: registry.GrantAuthorizationCode},
		},
		{
			name:  "refresh without token",
			grant: GrantRequest{Kind: registry.GrantRefreshToken},
		},
		{
			name:  "password without username",
			grant: GrantRequest{Kind: registry.GrantPassword},
		},
		{
			name:  "unknown grant",
			grant: GrantRequest{Kind: "implicit"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := buildGrantForm(reg, tt.grant)
			require.Error(t, err)
		})
	}
}

func TestGrantRequest_StringRedactsSecrets(t *testing.T) {
	t.Parallel()

	g := GrantRequest{
		Kind:              registry.GrantPassword,
		Username:          "alice",
		Password:          "hunter2",
		RefreshTokenValue: "R1",
		Code:              "abc123",
	}
	s := g.String()
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "R1")
	assert.NotContains(t, s, "abc123")
}
