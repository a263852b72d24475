package config

import (
	"fmt"
	"time"
)

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string `envconfig:"HOST" default:"localhost"`
	Port     string `envconfig:"PORT" default:"6379"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0" validate:"min=0,max=15"`

	DialTimeout  time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"3s"`

	PoolSize     int           `envconfig:"POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MIN_IDLE_CONNS" default:"2"`
	PoolTimeout  time.Duration `envconfig:"POOL_TIMEOUT" default:"4s"`

	MaxRetries      int           `envconfig:"MAX_RETRIES" default:"3"`
	MinRetryBackoff time.Duration `envconfig:"MIN_RETRY_BACKOFF" default:"8ms"`
	MaxRetryBackoff time.Duration `envconfig:"MAX_RETRY_BACKOFF" default:"512ms"`

	PingMaxRetries int           `envconfig:"PING_MAX_RETRIES" default:"5"`
	PingBackoff    time.Duration `envconfig:"PING_BACKOFF" default:"1s"`

	TLSEnabled bool `envconfig:"TLS_ENABLED" default:"false"`
}

// IsConfigured reports whether Redis was configured.
func (r *RedisConfig) IsConfigured() bool {
	return r.Host != ""
}

// Address returns the host:port address for the Redis client.
func (r *RedisConfig) Address() string {
	return r.Host + ":" + r.Port
}

// Validate checks Redis configuration values.
func (r *RedisConfig) Validate(environment string) error {
	if err := validateHost(r.Host, "redis"); err != nil {
		return err
	}

	if err := validatePort(r.Port, "redis"); err != nil {
		return err
	}

	if r.PoolSize < 1 {
		return fmt.Errorf("redis pool size must be at least 1, got %d", r.PoolSize)
	}

	if r.MinIdleConns < 0 || r.MinIdleConns > r.PoolSize {
		return fmt.Errorf("redis min idle conns must be between 0 and pool size, got %d", r.MinIdleConns)
	}

	if environment == EnvironmentProduction {
		if r.Password == "" {
			return fmt.Errorf("redis password is required in production")
		}
		if !r.TLSEnabled {
			return fmt.Errorf("redis TLS is required in production")
		}
	}

	return nil
}
