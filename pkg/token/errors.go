package token

import (
	"errors"
	"fmt"
)

// Rejection reasons carried by InvalidTokenError.
const (
	ReasonMalformed    = "malformed"
	ReasonBadSignature = "bad-signature"
	ReasonExpired      = "expired"
	ReasonNotYetValid  = "not-yet-valid"
	ReasonBadIssuer    = "bad-issuer"
	ReasonBadAudience  = "bad-audience"
	ReasonInactive     = "inactive"
	ReasonBadScope     = "bad-scope"
	ReasonMissing      = "missing-token"
	ReasonUnknownKey   = "unknown-key"
)

// Dependency-outage errors, distinct from token rejections so callers can
// choose between failing closed and circuit-breaking.
var (
	ErrKeySetUnavailable        = errors.New("key set unavailable")
	ErrIntrospectionUnavailable = errors.New("introspection endpoint unavailable")
)

// InvalidTokenError rejects a presented token with a specific reason. Always
// terminal for the request; nothing in the validation path retries.
type InvalidTokenError struct {
	Reason string
	Cause  error
}

// Error returns the error message.
func (e *InvalidTokenError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid token (%s): %s", e.Reason, e.Cause)
	}
	return fmt.Sprintf("invalid token (%s)", e.Reason)
}

// Unwrap returns the underlying error.
func (e *InvalidTokenError) Unwrap() error {
	return e.Cause
}

func invalidToken(reason string, cause error) *InvalidTokenError {
	return &InvalidTokenError{Reason: reason, Cause: cause}
}

// RejectionReason extracts the reason from an InvalidTokenError, or "" when
// the error is not a token rejection (e.g. a dependency outage).
func RejectionReason(err error) string {
	var e *InvalidTokenError
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
