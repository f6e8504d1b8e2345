// Command tokengate runs a small daemon that exercises both halves of the
// engine: the client authorization side (login redirect, callback, token
// refresh) and the resource-server side (bearer-protected endpoints).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/tokengate/tokengate/pkg/client"
	"github.com/tokengate/tokengate/pkg/logger"
	"github.com/tokengate/tokengate/pkg/networking"
	"github.com/tokengate/tokengate/pkg/registry"
	"github.com/tokengate/tokengate/pkg/token"
)

func main() {
	configPath := flag.String("config", "tokengate.yaml", "path to the config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	viper.Set("debug", *debug)
	logger.Initialize()

	if err := run(*configPath); err != nil {
		logger.Errorf("tokengate failed: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	viper.SetConfigFile(configPath)
	viper.SetEnvPrefix("TOKENGATE")
	viper.AutomaticEnv()
	viper.SetDefault("listen_addr", ":8080")
	if err := viper.ReadInConfig(); err != nil {
		return err
	}

	reg, err := registry.LoadFile(configPath)
	if err != nil {
		return err
	}

	httpClient, err := networking.NewClientBuilder().Build()
	if err != nil {
		return err
	}

	ctx := context.Background()
	manager, err := buildManager(ctx, reg, httpClient)
	if err != nil {
		return err
	}

	authenticator, err := buildAuthenticator(ctx, httpClient)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/login/{registration}", handleLogin(manager))
	r.Get("/callback/{registration}", handleCallback(manager))

	r.Group(func(r chi.Router) {
		r.Use(authenticator.Middleware)
		r.Get("/whoami", handleWhoAmI)
	})

	addr := viper.GetString("listen_addr")
	logger.Infof("tokengate listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}

// buildManager assembles the client authorization side. Registrations with
// an issuer get their missing endpoints filled in via discovery before the
// registry is finalized.
func buildManager(ctx context.Context, reg *registry.Registry, httpClient networking.HTTPClient) (*client.Manager, error) {
	resolved := make([]registry.Registration, 0, reg.Len())
	for _, id := range reg.IDs() {
		registration, err := reg.Get(id)
		if err != nil {
			return nil, err
		}
		registration, err = registry.Resolve(ctx, httpClient, registration)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, registration)
	}
	finalized, err := registry.New(resolved)
	if err != nil {
		return nil, err
	}

	endpoint, err := client.NewEndpointClient(httpClient)
	if err != nil {
		return nil, err
	}

	var (
		clients client.AuthorizedClientStore
		pending client.PendingRequestStore
	)
	if redisURL := viper.GetString("redis_url"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, err
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		clients = client.NewRedisClientStore(rdb)
		pending = client.NewRedisPendingStore(rdb, viper.GetDuration("pending_ttl"))
		logger.Info("Using Redis-backed stores")
	} else {
		clients = client.NewMemoryClientStore()
		pending = client.NewMemoryPendingStore(viper.GetDuration("pending_ttl"))
	}

	return client.NewManager(client.ManagerConfig{
		Registry: finalized,
		Endpoint: endpoint,
		Clients:  clients,
		Pending:  pending,
	})
}

// buildAuthenticator assembles the resource-server side. The deployment
// picks exactly one validation mode.
func buildAuthenticator(ctx context.Context, httpClient networking.HTTPClient) (*token.BearerAuthenticator, error) {
	realm := viper.GetString("resource_server.realm")

	var validator token.Validator
	switch mode := viper.GetString("resource_server.mode"); mode {
	case "jwt":
		v, err := token.NewJWTValidator(ctx, token.JWTValidatorConfig{
			Issuer:          viper.GetString("resource_server.issuer"),
			Audience:        viper.GetString("resource_server.audience"),
			JWKSURL:         viper.GetString("resource_server.jwks_url"),
			AuthorityPrefix: viper.GetString("resource_server.authority_prefix"),
			HTTPClient:      httpClient,
		})
		if err != nil {
			return nil, err
		}
		validator = v
	case "introspection":
		v, err := token.NewIntrospector(token.IntrospectorConfig{
			IntrospectionURL: viper.GetString("resource_server.introspection_url"),
			ClientID:         viper.GetString("resource_server.client_id"),
			ClientSecret:     viper.GetString("resource_server.client_secret"),
			AuthorityPrefix:  viper.GetString("resource_server.authority_prefix"),
			HTTPClient:       httpClient,
		})
		if err != nil {
			return nil, err
		}
		validator = v
	default:
		return nil, errors.New("resource_server.mode must be jwt or introspection")
	}

	return token.NewBearerAuthenticator(validator, realm)
}

func handleLogin(manager *client.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		registrationID := chi.URLParam(r, "registration")
		principal := r.URL.Query().Get("principal")
		if principal == "" {
			http.Error(w, "principal query parameter required", http.StatusBadRequest)
			return
		}

		result, err := manager.Authorize(r.Context(), principal, registrationID)
		if err != nil {
			writeAuthorizationError(w, err)
			return
		}
		if result.RedirectURL != "" {
			http.Redirect(w, r, result.RedirectURL, http.StatusFound)
			return
		}

		writeJSON(w, map[string]any{
			"registration": result.Client.RegistrationID,
			"principal":    result.Client.PrincipalName,
			"expires_at":   result.Client.AccessToken.ExpiresAt,
			"scopes":       result.Client.AccessToken.Scopes,
		})
	}
}

func handleCallback(manager *client.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		state := query.Get("state")
		redirectURI := callbackURI(r)

		if errParam := query.Get("error"); errParam != "" {
			err := manager.FailAuthorization(r.Context(), state, redirectURI, errParam, query.Get("error_description"))
			writeAuthorizationError(w, err)
			return
		}

		authorized, err := manager.CompleteAuthorization(r.Context(), state, query.Get("code"), redirectURI)
		if err != nil {
			writeAuthorizationError(w, err)
			return
		}

		writeJSON(w, map[string]any{
			"registration": authorized.RegistrationID,
			"principal":    authorized.PrincipalName,
			"expires_at":   authorized.AccessToken.ExpiresAt,
		})
	}
}

func handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	principal := token.PrincipalFromContext(r.Context())
	writeJSON(w, map[string]any{
		"name":        principal.Name,
		"authorities": principal.Authorities,
	})
}

// callbackURI reconstructs the effective callback URI without the query
// string, for comparison against the pending request.
func callbackURI(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func writeAuthorizationError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case client.IsRequestInvalid(err):
		status = http.StatusBadRequest
	case client.IsReauthorizationRequired(err):
		status = http.StatusUnauthorized
	case client.IsProtocolFailure(err):
		status = http.StatusBadGateway
	case client.IsTransportFailure(err):
		status = http.StatusServiceUnavailable
	}
	logger.Warnw("Authorization request failed", "status", status, "error", err)
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}
