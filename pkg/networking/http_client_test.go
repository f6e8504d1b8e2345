package networking

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientBuilder(t *testing.T) {
	t.Parallel()

	builder := NewClientBuilder()

	assert.Equal(t, HTTPTimeout, builder.clientTimeout)
	assert.Equal(t, 10*time.Second, builder.tlsHandshakeTimeout)
	assert.Equal(t, 10*time.Second, builder.responseHeaderTimeout)
	assert.Empty(t, builder.caCertPath)
	assert.False(t, builder.allowHTTP)
}

func TestClientBuilder_Fluent(t *testing.T) {
	t.Parallel()

	builder := NewClientBuilder()

	assert.Same(t, builder, builder.WithCABundle("/path/to/ca.crt"))
	assert.Same(t, builder, builder.WithInsecureHTTP(true))
	assert.Same(t, builder, builder.WithTimeout(time.Minute))

	assert.Equal(t, "/path/to/ca.crt", builder.caCertPath)
	assert.True(t, builder.allowHTTP)
	assert.Equal(t, time.Minute, builder.clientTimeout)
}

func TestClientBuilder_Build(t *testing.T) {
	t.Parallel()

	client, err := NewClientBuilder().WithTimeout(5 * time.Second).Build()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, client.Timeout)
	transport, ok := client.Transport.(*ValidatingTransport)
	require.True(t, ok)
	assert.False(t, transport.AllowHTTP)
}

func TestClientBuilder_BadCABundle(t *testing.T) {
	t.Parallel()

	_, err := NewClientBuilder().WithCABundle(filepath.Join(t.TempDir(), "absent.pem")).Build()
	assert.Error(t, err)

	notPEM := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(notPEM, []byte("not a certificate"), 0o600))
	_, err = NewClientBuilder().WithCABundle(notPEM).Build()
	assert.Error(t, err)
}

func TestValidatingTransport(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	// Loopback HTTP is allowed without the insecure flag.
	strict := &http.Client{Transport: &ValidatingTransport{Transport: http.DefaultTransport}}
	resp, err := strict.Get(server.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()

	// Non-loopback HTTP is rejected before any connection is made.
	_, err = strict.Get("http://provider.example.com/token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not HTTPS")

	// The insecure flag lifts the restriction.
	insecure := &http.Client{Transport: &ValidatingTransport{Transport: http.DefaultTransport, AllowHTTP: true}}
	resp, err = insecure.Get(server.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
}

func TestIsLocalhost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host string
		want bool
	}{
		{host: "localhost", want: true},
		{host: "localhost:8080", want: true},
		{host: "127.0.0.1", want: true},
		{host: "127.0.0.1:9000", want: true},
		{host: "::1", want: true},
		{host: "[::1]", want: true},
		{host: "[::1]:8080", want: true},
		{host: "provider.example.com", want: false},
		{host: "provider.example.com:443", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsLocalhost(tt.host))
		})
	}
}

func TestValidateEndpointURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		endpoint  string
		allowHTTP bool
		wantErr   bool
	}{
		{
			name:     "https endpoint",
			endpoint: "https://provider.example.com/token",
		},
		{
			name:     "loopback http endpoint",
			endpoint: "http://127.0.0.1:8080/token",
		},
		{
			name:     "loopback http ipv6 endpoint",
			endpoint: "http://[::1]:8080/token",
		},
		{
			name:     "plain http endpoint",
			endpoint: "http://provider.example.com/token",
			wantErr:  true,
		},
		{
			name:      "plain http with allowHTTP",
			endpoint:  "http://provider.example.com/token",
			allowHTTP: true,
		},
		{
			name:     "relative URL",
			endpoint: "/token",
			wantErr:  true,
		},
		{
			name:     "empty URL",
			endpoint: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateEndpointURL(tt.endpoint, tt.allowHTTP)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
