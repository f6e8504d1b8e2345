package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tokengate/tokengate/pkg/logger"
	"github.com/tokengate/tokengate/pkg/networking"
)

// IntrospectorConfig configures remote opaque-token introspection
// (RFC 7662).
type IntrospectorConfig struct {
	// IntrospectionURL is the provider's introspection endpoint.
	// Required.
	IntrospectionURL string

	// ClientID and ClientSecret authenticate this resource server to the
	// introspection endpoint.
	ClientID     string
	ClientSecret string

	// AuthorityPrefix overrides DefaultAuthorityPrefix.
	AuthorityPrefix string

	// HTTPClient overrides the hardened default client.
	HTTPClient networking.HTTPClient
}

// Introspector validates opaque tokens by asking the issuing authority. The
// authority's verdict is final: a response without active=true rejects the
// token regardless of any other field.
type Introspector struct {
	url          string
	clientID     string
	clientSecret string
	prefix       string
	httpClient   networking.HTTPClient
}

var _ Validator = (*Introspector)(nil)

// NewIntrospector creates an Introspector.
func NewIntrospector(cfg IntrospectorConfig) (*Introspector, error) {
	if cfg.IntrospectionURL == "" {
		return nil, errors.New("introspection URL is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required for introspection")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		built, err := networking.NewClientBuilder().Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build HTTP client: %w", err)
		}
		httpClient = built
	}

	prefix := cfg.AuthorityPrefix
	if prefix == "" {
		prefix = DefaultAuthorityPrefix
	}

	return &Introspector{
		url:          cfg.IntrospectionURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		prefix:       prefix,
		httpClient:   httpClient,
	}, nil
}

// Validate implements Validator by introspecting the token remotely.
func (i *Introspector) Validate(ctx context.Context, tokenString string) (*Principal, error) {
	form := url.Values{}
	form.Set("token", tokenString)
	form.Set("token_type_hint", "access_token")

	// Transient network failures get exactly one retry before the outage
	// is surfaced; HTTP-level rejections are permanent.
	operation := func() (*map[string]any, error) {
		resp, err := networking.PostFormJSON[map[string]any](ctx, i.httpClient, i.url, form,
			networking.WithBasicAuth(i.clientID, i.clientSecret))
		if err != nil {
			if networking.IsHTTPError(err, 0) || errors.Is(err, networking.ErrUnexpectedResponse) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(200*time.Millisecond)),
		backoff.WithMaxTries(2),
	)
	if err != nil {
		if networking.IsHTTPError(err, http.StatusUnauthorized) {
			return nil, fmt.Errorf("%w: resource server credentials rejected", ErrIntrospectionUnavailable)
		}
		logger.Warnw("Introspection call failed", "url", i.url, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrIntrospectionUnavailable, err)
	}

	return i.principalFromResponse(*resp)
}

// principalFromResponse applies the RFC 7662 verdict and maps the response
// attributes onto a Principal.
func (i *Introspector) principalFromResponse(attrs map[string]any) (*Principal, error) {
	active, ok := attrs["active"].(bool)
	if !ok || !active {
		return nil, invalidToken(ReasonInactive, nil)
	}

	// exp, when reported, is still honored locally.
	if exp, ok := attrs["exp"].(float64); ok {
		if time.Unix(int64(exp), 0).Before(time.Now()) {
			return nil, invalidToken(ReasonExpired, nil)
		}
	}

	var authorities []string
	if raw, ok := attrs["scope"]; ok {
		scope, ok := raw.(string)
		if !ok {
			return nil, invalidToken(ReasonBadScope, fmt.Errorf("scope attribute is not a string"))
		}
		mapped, err := ScopeAuthorities(scope, i.prefix)
		if err != nil {
			return nil, invalidToken(ReasonBadScope, err)
		}
		authorities = mapped
	}

	name, _ := attrs["sub"].(string)
	return &Principal{
		Name:        name,
		Authorities: authorities,
		Claims:      attrs,
	}, nil
}
