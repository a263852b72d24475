package config

import (
	"fmt"
	"time"
)

// APIConfig contains settings for the HTTP control API.
type APIConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	MaxRequestBytes int64         `envconfig:"MAX_REQUEST_BYTES" default:"1048576"`

	// APIKeyHash is the SHA-256 hex digest of the key clients must
	// present in the X-API-Key header. Empty disables authentication.
	APIKeyHash string `envconfig:"KEY_HASH"`

	TLSEnabled  bool   `envconfig:"TLS_ENABLED" default:"false"`
	TLSCertFile string `envconfig:"TLS_CERT_FILE"`
	TLSKeyFile  string `envconfig:"TLS_KEY_FILE"`
}

// Validate checks API configuration values.
func (a *APIConfig) Validate(environment string) error {
	if err := validatePort(a.Port, "api"); err != nil {
		return err
	}

	if a.TLSEnabled {
		if a.TLSCertFile == "" || a.TLSKeyFile == "" {
			return fmt.Errorf("api TLS cert and key files are required when TLS is enabled")
		}
	}

	if environment == EnvironmentProduction {
		if a.APIKeyHash == "" {
			return fmt.Errorf("api key hash is required in production")
		}
		if err := validateNoWhitespace(a.APIKeyHash, "api key hash"); err != nil {
			return err
		}
	}

	if a.MaxRequestBytes < 1024 {
		return fmt.Errorf("api max request bytes must be at least 1024, got %d", a.MaxRequestBytes)
	}

	return nil
}

// Addr returns the listen address for the API server.
func (a *APIConfig) Addr() string {
	return ":" + a.Port
}
