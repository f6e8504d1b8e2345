package networking

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	// MaxResponseSize caps response bodies read from remote providers (1MB).
	MaxResponseSize = 1024 * 1024

	errorPreviewSize = 1024

	contentTypeJSON = "application/json"
	contentTypeForm = "application/x-www-form-urlencoded"
)

// ErrUnexpectedResponse marks a 2xx response whose body could not be decoded
// as the expected JSON shape.
var ErrUnexpectedResponse = errors.New("unexpected response body")

// HTTPError represents a non-2xx response from a remote endpoint, with a
// bounded preview of the body for diagnostics.
type HTTPError struct {
	StatusCode int
	Body       string
	URL        string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP request to %s failed with status %d", e.URL, e.StatusCode)
}

// IsHTTPError checks if an error is an HTTPError with the specified status
// code. A statusCode of 0 matches any HTTPError.
func IsHTTPError(err error, statusCode int) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return statusCode == 0 || httpErr.StatusCode == statusCode
}

// RequestOption configures an outbound JSON request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	header       http.Header
	body         io.Reader
	method       string
	errorHandler func(status int, body []byte) error
}

// WithBasicAuth adds HTTP basic authentication to the request. Credentials
// are form-encoded first, as RFC 6749 section 2.3.1 requires for OAuth
// client passwords.
func WithBasicAuth(clientID, clientSecret string) RequestOption {
	return func(o *requestOptions) {
		cred := url.QueryEscape(clientID) + ":" + url.QueryEscape(clientSecret)
		o.header.Set("Authorization", "Basic "+basicAuthEncode(cred))
	}
}

// WithHeader adds a single header to the request.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		o.header.Set(key, value)
	}
}

// WithErrorHandler installs a handler for non-2xx responses. If it returns a
// non-nil error that error is surfaced instead of the generic HTTPError;
// token endpoints use this to parse RFC 6749 error bodies.
func WithErrorHandler(handler func(status int, body []byte) error) RequestOption {
	return func(o *requestOptions) {
		o.errorHandler = handler
	}
}

// GetJSON performs a GET request and decodes the JSON response into T.
func GetJSON[T any](ctx context.Context, client HTTPClient, requestURL string, opts ...RequestOption) (*T, error) {
	options := &requestOptions{header: make(http.Header), method: http.MethodGet}
	for _, opt := range opts {
		opt(options)
	}
	return doJSON[T](ctx, client, requestURL, options)
}

// PostFormJSON performs a form-encoded POST and decodes the JSON response
// into T. This is the request shape shared by token, introspection, and
// revocation endpoints.
func PostFormJSON[T any](
	ctx context.Context,
	client HTTPClient,
	requestURL string,
	form url.Values,
	opts ...RequestOption,
) (*T, error) {
	options := &requestOptions{
		header: make(http.Header),
		method: http.MethodPost,
		body:   strings.NewReader(form.Encode()),
	}
	options.header.Set("Content-Type", contentTypeForm)
	for _, opt := range opts {
		opt(options)
	}
	return doJSON[T](ctx, client, requestURL, options)
}

func doJSON[T any](ctx context.Context, client HTTPClient, requestURL string, options *requestOptions) (*T, error) {
	req, err := http.NewRequestWithContext(ctx, options.method, requestURL, options.body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", contentTypeJSON)
	for key, values := range options.header {
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if options.errorHandler != nil {
			if custom := options.errorHandler(resp.StatusCode, body); custom != nil {
				return nil, custom
			}
		}
		preview := string(body)
		if len(preview) > errorPreviewSize {
			preview = preview[:errorPreviewSize]
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: preview, URL: requestURL}
	}

	var data T
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return &data, nil
}

func basicAuthEncode(cred string) string {
	return base64.StdEncoding.EncodeToString([]byte(cred))
}
