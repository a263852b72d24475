package config

import "time"

// ObservabilityConfig contains settings for the metrics and probe server.
type ObservabilityConfig struct {
	Enabled       bool          `envconfig:"ENABLED" default:"true"`
	Port          string        `envconfig:"PORT" default:"9090"`
	MetricsPath   string        `envconfig:"METRICS_PATH" default:"/metrics"`
	LivenessPath  string        `envconfig:"LIVENESS_PATH" default:"/livez"`
	ReadinessPath string        `envconfig:"READINESS_PATH" default:"/readyz"`
	Timeout       time.Duration `envconfig:"TIMEOUT" default:"5s"`
}

// Addr returns the listen address for the observability server.
func (o *ObservabilityConfig) Addr() string {
	return ":" + o.Port
}
