package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/tokengate/tokengate/pkg/networking"
)

// negativeKidTTL is how long a key ID that survived a key-set refetch without
// appearing is remembered as bad, so a stream of tokens with a bogus kid
// doesn't hammer the provider.
const negativeKidTTL = 30 * time.Second

// Validator validates a bearer token and derives a Principal from it.
// Implemented by JWTValidator and Introspector; a deployment configures
// exactly one.
type Validator interface {
	Validate(ctx context.Context, tokenString string) (*Principal, error)
}

// JWTValidatorConfig configures local JWT validation.
type JWTValidatorConfig struct {
	// Issuer is the expected iss claim. Required.
	Issuer string

	// Audience is the expected aud claim. Optional; empty skips the
	// check.
	Audience string

	// JWKSURL is the provider's published key-set endpoint. Required.
	JWKSURL string

	// AuthorityPrefix overrides DefaultAuthorityPrefix.
	AuthorityPrefix string

	// HTTPClient overrides the hardened default client used for key-set
	// fetches.
	HTTPClient networking.HTTPClient
}

// JWTValidator verifies JWT signatures against a cached, auto-refreshing key
// set and checks the standard claims.
type JWTValidator struct {
	issuer   string
	audience string
	jwksURL  string
	prefix   string
	cache    *jwk.Cache

	// Lazy JWKS registration so construction doesn't block on the
	// provider.
	registered      bool
	registrationMu  sync.Mutex
	registrationErr error

	// Negative cache for key IDs that a refetch did not produce.
	badKidMu sync.Mutex
	badKids  map[string]time.Time

	now func() time.Time
}

var _ Validator = (*JWTValidator)(nil)

// NewJWTValidator creates a JWTValidator.
func NewJWTValidator(ctx context.Context, cfg JWTValidatorConfig) (*JWTValidator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.JWKSURL == "" {
		return nil, errors.New("JWKS URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		built, err := networking.NewClientBuilder().Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build HTTP client: %w", err)
		}
		httpClient = built
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	prefix := cfg.AuthorityPrefix
	if prefix == "" {
		prefix = DefaultAuthorityPrefix
	}

	return &JWTValidator{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		jwksURL:  cfg.JWKSURL,
		prefix:   prefix,
		cache:    cache,
		badKids:  make(map[string]time.Time),
		now:      time.Now,
	}, nil
}

// Validate verifies the token and derives a Principal. Every failure surfaces
// as an InvalidTokenError with a specific reason, except key-set outages
// which surface as ErrKeySetUnavailable.
func (v *JWTValidator) Validate(ctx context.Context, tokenString string) (*Principal, error) {
	parsed, err := jwt.Parse(tokenString,
		func(tok *jwt.Token) (any, error) { return v.signingKey(ctx, tok) },
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, v.classifyParseError(err)
	}
	if !parsed.Valid {
		return nil, invalidToken(ReasonBadSignature, nil)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, invalidToken(ReasonMalformed, errors.New("claims are not a map"))
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}

	return v.principalFromClaims(claims)
}

// signingKey resolves the verification key for the token's kid. A kid absent
// from the cached set triggers one refetch; a kid still absent afterwards is
// negative-cached.
func (v *JWTValidator) signingKey(ctx context.Context, tok *jwt.Token) (any, error) {
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}

	if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
	}

	kid, ok := tok.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token header missing kid")
	}

	keySet, err := v.cache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		key, err = v.refetchKey(ctx, kid)
		if err != nil {
			return nil, err
		}
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}

// refetchKey performs the single refetch allowed on a cache miss.
func (v *JWTValidator) refetchKey(ctx context.Context, kid string) (jwk.Key, error) {
	v.badKidMu.Lock()
	seenAt, seen := v.badKids[kid]
	if seen && v.now().Sub(seenAt) > negativeKidTTL {
		delete(v.badKids, kid)
		seen = false
	}
	v.badKidMu.Unlock()
	if seen {
		return nil, fmt.Errorf("key ID %s not found in key set", kid)
	}

	keySet, err := v.cache.Refresh(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		v.badKidMu.Lock()
		v.badKids[kid] = v.now()
		v.badKidMu.Unlock()
		return nil, fmt.Errorf("key ID %s not found in key set", kid)
	}
	return key, nil
}

// ensureRegistered registers the JWKS URL with the cache on first use.
func (v *JWTValidator) ensureRegistered(ctx context.Context) error {
	v.registrationMu.Lock()
	defer v.registrationMu.Unlock()

	if v.registered {
		return v.registrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.cache.Register(registrationCtx, v.jwksURL); err != nil {
		v.registrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		v.registrationErr = nil
	}
	v.registered = true
	return v.registrationErr
}

// classifyParseError maps golang-jwt parse failures onto rejection reasons.
func (v *JWTValidator) classifyParseError(err error) error {
	switch {
	case errors.Is(err, ErrKeySetUnavailable):
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return invalidToken(ReasonMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return invalidToken(ReasonBadSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return invalidToken(ReasonExpired, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return invalidToken(ReasonNotYetValid, err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return invalidToken(ReasonUnknownKey, err)
	default:
		return invalidToken(ReasonMalformed, err)
	}
}

// validateClaims checks iss and aud. exp and nbf were already enforced by
// the parser.
func (v *JWTValidator) validateClaims(claims jwt.MapClaims) error {
	issuer, err := claims.GetIssuer()
	if err != nil || strings.TrimSpace(issuer) != strings.TrimSpace(v.issuer) {
		return invalidToken(ReasonBadIssuer, err)
	}

	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return invalidToken(ReasonBadAudience, err)
		}
		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return invalidToken(ReasonBadAudience, nil)
		}
	}
	return nil
}

// principalFromClaims derives the Principal: sub becomes the name, and the
// scope (or scp) claim maps to authorities.
func (v *JWTValidator) principalFromClaims(claims jwt.MapClaims) (*Principal, error) {
	sub, err := claims.GetSubject()
	if err != nil {
		return nil, invalidToken(ReasonMalformed, err)
	}

	scope, err := scopeClaim(claims)
	if err != nil {
		return nil, invalidToken(ReasonBadScope, err)
	}
	authorities, err := ScopeAuthorities(scope, v.prefix)
	if err != nil {
		return nil, invalidToken(ReasonBadScope, err)
	}

	return &Principal{
		Name:        sub,
		Authorities: authorities,
		Claims:      map[string]any(claims),
	}, nil
}

// scopeClaim extracts the scope string, accepting both the RFC 8693 "scope"
// form and the "scp" variant (either a string or a list of strings).
func scopeClaim(claims jwt.MapClaims) (string, error) {
	if raw, ok := claims["scope"]; ok {
		s, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf("scope claim is not a string")
		}
		return s, nil
	}
	raw, ok := claims["scp"]
	if !ok {
		return "", nil
	}
	switch scp := raw.(type) {
	case string:
		return scp, nil
	case []any:
		parts := make([]string, 0, len(scp))
		for _, item := range scp {
			s, ok := item.(string)
			if !ok {
				return "", fmt.Errorf("scp claim contains a non-string entry")
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, " "), nil
	default:
		return "", fmt.Errorf("scp claim has unsupported type %T", raw)
	}
}
