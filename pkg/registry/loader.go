package registry

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/tokengate/tokengate/pkg/logger"
)

// LoadFile reads provider registrations from a YAML config file and builds a
// Registry. The file carries a top-level "registrations" list:
//
//	registrations:
//	  - id: google
//	    client_id: my-client
//	    client_secret: my-secret
//	    grant_type: authorization_code
//	    issuer: https://accounts.google.com
//	    redirect_url: https://app.example.com/callback/{id}
//	    scopes: [openid, profile]
func LoadFile(path string) (*Registry, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read registration config: %w", err)
	}

	var cfg struct {
		Registrations []Registration `mapstructure:"registrations"`
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse registration config: %w", err)
	}
	if len(cfg.Registrations) == 0 {
		return nil, fmt.Errorf("registration config %s contains no registrations", path)
	}

	for i := range cfg.Registrations {
		if err := resolveClientSecret(&cfg.Registrations[i]); err != nil {
			return nil, err
		}
	}

	reg, err := New(cfg.Registrations)
	if err != nil {
		return nil, err
	}

	logger.Infof("Loaded %d client registrations from %s", reg.Len(), path)
	return reg, nil
}

// resolveClientSecret reads the client secret from its file reference, for
// deployments that mount secrets instead of inlining them in config.
func resolveClientSecret(reg *Registration) error {
	if reg.ClientSecretFile == "" {
		return nil
	}
	if reg.ClientSecret != "" {
		return fmt.Errorf("registration %s: client_secret and client_secret_file are mutually exclusive", reg.ID)
	}
	data, err := os.ReadFile(reg.ClientSecretFile)
	if err != nil {
		return fmt.Errorf("registration %s: failed to read client secret file: %w", reg.ID, err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return fmt.Errorf("registration %s: client secret file %s is empty", reg.ID, reg.ClientSecretFile)
	}
	reg.ClientSecret = secret
	reg.ClientSecretFile = ""
	return nil
}
