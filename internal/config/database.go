package config

import (
	"fmt"
	"time"
)

// DatabaseConfig contains PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `envconfig:"HOST" default:"localhost"`
	Port     string `envconfig:"PORT" default:"5432"`
	Name     string `envconfig:"NAME" default:"segmenta"`
	User     string `envconfig:"USER" default:"segmenta"`
	Password string `envconfig:"PASSWORD"`
	SSLMode  string `envconfig:"SSL_MODE" default:"prefer" validate:"oneof=disable allow prefer require verify-ca verify-full"`

	MaxConns          int32         `envconfig:"MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime   time.Duration `envconfig:"MAX_CONN_IDLE_TIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"HEALTH_CHECK_PERIOD" default:"1m"`
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
}

// IsConfigured reports whether a database connection was configured.
func (d *DatabaseConfig) IsConfigured() bool {
	return d.Host != "" && d.Name != "" && d.User != ""
}

// ConnectionString builds a PostgreSQL connection string suitable for pgx.
func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s connect_timeout=%d",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode,
		int(d.ConnectTimeout.Seconds()),
	)
}

// Validate checks database configuration values.
func (d *DatabaseConfig) Validate(environment string) error {
	if err := validateHost(d.Host, "database"); err != nil {
		return err
	}

	if err := validatePort(d.Port, "database"); err != nil {
		return err
	}

	if err := validateNoWhitespace(d.Name, "database name"); err != nil {
		return err
	}

	if err := validateNoWhitespace(d.User, "database user"); err != nil {
		return err
	}

	if d.MaxConns < 1 {
		return fmt.Errorf("database max conns must be at least 1, got %d", d.MaxConns)
	}

	if d.MinConns < 0 || d.MinConns > d.MaxConns {
		return fmt.Errorf("database min conns must be between 0 and max conns, got %d", d.MinConns)
	}

	if environment == EnvironmentProduction {
		if d.Password == "" {
			return fmt.Errorf("database password is required in production")
		}
		if err := validatePasswordStrength(d.Password, "database", environment); err != nil {
			return err
		}
		if !isSecureSSLMode(d.SSLMode) {
			return fmt.Errorf("database ssl mode '%s' is not allowed in production", d.SSLMode)
		}
	}

	return nil
}
