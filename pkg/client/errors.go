// Package client implements the OAuth 2.0 client authorization engine:
// pending-request tracking across the redirect round trip, token endpoint
// exchanges for every supported grant, authorized-client persistence, and
// the orchestration between them.
package client

import (
	"errors"
	"fmt"
)

// Error types for the authorization engine.
const (
	// ErrTypeConfiguration is returned for bad or missing registration
	// data. Fatal at startup.
	ErrTypeConfiguration = "configuration"

	// ErrTypeRequestInvalid is returned when a callback's state is
	// expired, mismatched, or unknown. The caller must restart the login;
	// the engine never retries these.
	ErrTypeRequestInvalid = "authorization_request_invalid"

	// ErrTypeExchangeProtocol is returned when the token endpoint rejects
	// an exchange (e.g. invalid_grant). Terminal for that attempt.
	ErrTypeExchangeProtocol = "token_exchange_protocol"

	// ErrTypeExchangeTransport is returned when the token endpoint could
	// not be reached or timed out. Retryable by caller policy.
	ErrTypeExchangeTransport = "token_exchange_transport"

	// ErrTypeReauthorizationRequired is returned when a refresh failed
	// irrecoverably. The stored client has been removed; the caller must
	// re-initiate authorization.
	ErrTypeReauthorizationRequired = "reauthorization_required"
)

// Sentinel errors for the pending request store.
var (
	ErrDuplicateState   = errors.New("state value already pending")
	ErrStateNotFound    = errors.New("no pending request for state")
	ErrRequestExpired   = errors.New("pending request expired")
	ErrRedirectMismatch = errors.New("callback redirect URI does not match pending request")

	// ErrClientNotFound is returned by AuthorizedClientStore lookups.
	ErrClientNotFound = errors.New("no authorized client")
)

// Error represents a failure in the authorization engine, classified so that
// callers can decide between retry, restart-login, and fail-hard.
type Error struct {
	// Type is one of the ErrType constants.
	Type string

	// Message describes the failure.
	Message string

	// OAuthCode carries the RFC 6749 error code for protocol failures
	// (e.g. "invalid_grant"), empty otherwise.
	OAuthCode string

	// Cause is the underlying error.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(errorType, message string, cause error) *Error {
	return &Error{Type: errorType, Message: message, Cause: cause}
}

// IsRequestInvalid checks whether the error marks an unusable callback state.
func IsRequestInvalid(err error) bool {
	return errorHasType(err, ErrTypeRequestInvalid)
}

// IsProtocolFailure checks whether the error is a token endpoint rejection.
func IsProtocolFailure(err error) bool {
	return errorHasType(err, ErrTypeExchangeProtocol)
}

// IsTransportFailure checks whether the error is a retryable network failure.
func IsTransportFailure(err error) bool {
	return errorHasType(err, ErrTypeExchangeTransport)
}

// IsReauthorizationRequired checks whether the caller must restart the
// authorization flow from scratch.
func IsReauthorizationRequired(err error) bool {
	return errorHasType(err, ErrTypeReauthorizationRequired)
}

func errorHasType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// OAuthCode extracts the RFC 6749 error code from a protocol failure, or ""
// if the error carries none.
func OAuthCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.OAuthCode
	}
	return ""
}
