// Package networking provides hardened outbound HTTP plumbing shared by the
// authorization and token-validation code paths.
package networking

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// HTTPTimeout is the timeout for outgoing HTTP requests.
const HTTPTimeout = 30 * time.Second

// HTTPClient is the interface needed to make outbound requests. Satisfied by
// *http.Client; tests substitute fakes.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ValidatingTransport rejects non-HTTPS request URLs before they leave the
// process. Plain HTTP is permitted only for loopback hosts, which covers
// httptest servers and local development providers.
type ValidatingTransport struct {
	Transport http.RoundTripper

	// AllowHTTP disables the HTTPS requirement entirely. Testing only.
	AllowHTTP bool
}

// RoundTrip validates the request URL prior to forwarding.
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	u := req.URL
	if u.Scheme != "https" && !t.AllowHTTP && !IsLocalhost(u.Host) {
		return nil, fmt.Errorf("the supplied URL %s is not HTTPS scheme", req.URL.String())
	}
	return t.Transport.RoundTrip(req)
}

// IsLocalhost reports whether the host (optionally host:port) is a loopback
// address.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else {
		// No port; bare IPv6 literals may still carry brackets.
		host = strings.Trim(host, "[]")
	}
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// ValidateEndpointURL checks that a configured endpoint URL is absolute and
// uses HTTPS (loopback hosts excepted, unless allowHTTP).
func ValidateEndpointURL(endpoint string, allowHTTP bool) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("URL must be absolute: %s", endpoint)
	}
	if u.Scheme != "https" && !allowHTTP && !IsLocalhost(u.Host) {
		return fmt.Errorf("URL must use HTTPS: %s", endpoint)
	}
	return nil
}

// ClientBuilder provides a fluent interface for building HTTP clients.
type ClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	caCertPath            string
	allowHTTP             bool
}

// NewClientBuilder returns a new ClientBuilder with default timeouts.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		clientTimeout:         HTTPTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithCABundle sets the CA certificate bundle path.
func (b *ClientBuilder) WithCABundle(path string) *ClientBuilder {
	b.caCertPath = path
	return b
}

// WithInsecureHTTP allows plain-HTTP endpoints. Testing only.
func (b *ClientBuilder) WithInsecureHTTP(allow bool) *ClientBuilder {
	b.allowHTTP = allow
	return b
}

// WithTimeout overrides the overall request timeout.
func (b *ClientBuilder) WithTimeout(d time.Duration) *ClientBuilder {
	b.clientTimeout = d
	return b
}

// Build creates the configured HTTP client.
func (b *ClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
	}

	if b.caCertPath != "" {
		caCert, err := os.ReadFile(b.caCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate bundle: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate bundle")
		}

		transport.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    caCertPool,
		}
	}

	return &http.Client{
		Transport: &ValidatingTransport{Transport: transport, AllowHTTP: b.allowHTTP},
		Timeout:   b.clientTimeout,
	}, nil
}
