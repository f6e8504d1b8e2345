package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tokengate/tokengate/pkg/logger"
)

// BearerAuthenticator extracts the bearer token from an Authorization header
// value and delegates to the single configured validator. A deployment
// validates either locally (JWTValidator) or remotely (Introspector), never
// both.
type BearerAuthenticator struct {
	validator Validator
	realm     string
}

// NewBearerAuthenticator creates a BearerAuthenticator around the given
// validator. The realm appears in WWW-Authenticate challenges.
func NewBearerAuthenticator(validator Validator, realm string) (*BearerAuthenticator, error) {
	if validator == nil {
		return nil, errors.New("a validator is required")
	}
	return &BearerAuthenticator{validator: validator, realm: realm}, nil
}

// Authenticate validates the Authorization header value and returns the
// derived principal. Anything not shaped `Bearer <token>` is rejected before
// the validator runs.
func (a *BearerAuthenticator) Authenticate(ctx context.Context, authorizationHeader string) (*Principal, error) {
	tokenString, err := extractBearerToken(authorizationHeader)
	if err != nil {
		return nil, err
	}
	return a.validator.Validate(ctx, tokenString)
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", invalidToken(ReasonMissing, nil)
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.ContainsRune(token, ' ') {
		return "", invalidToken(ReasonMalformed, fmt.Errorf("authorization header is not a bearer credential"))
	}
	return token, nil
}

// principalContextKey is the context key under which the middleware stores
// the authenticated principal.
type principalContextKey struct{}

// PrincipalFromContext returns the principal stored by Middleware, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}

// Middleware returns an HTTP middleware that authenticates every request
// and stores the principal in the request context. Failures answer 401 with
// an RFC 6750 WWW-Authenticate challenge, except dependency outages which
// fail closed with 503.
func (a *BearerAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			a.writeFailure(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *BearerAuthenticator) writeFailure(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrKeySetUnavailable) || errors.Is(err, ErrIntrospectionUnavailable) {
		logger.Errorw("Token validation dependency unavailable", "error", err)
		http.Error(w, "Authentication temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	reason := RejectionReason(err)
	if reason == ReasonMissing {
		w.Header().Set("WWW-Authenticate", a.challenge("", ""))
		http.Error(w, "Authorization header required", http.StatusUnauthorized)
		return
	}

	w.Header().Set("WWW-Authenticate", a.challenge("invalid_token", reason))
	http.Error(w, "Invalid token", http.StatusUnauthorized)
}

// challenge builds an RFC 6750 §3 WWW-Authenticate header value. %q handles
// the quoted-string escaping of quotes and backslashes.
func (a *BearerAuthenticator) challenge(errorCode, description string) string {
	var parts []string
	if a.realm != "" {
		parts = append(parts, fmt.Sprintf(`realm=%q`, a.realm))
	}
	if errorCode != "" {
		parts = append(parts, fmt.Sprintf(`error=%q`, errorCode))
		if description != "" {
			parts = append(parts, fmt.Sprintf(`error_description=%q`, description))
		}
	}
	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}
