package config

import (
	"fmt"
	"time"
)

// SyncerConfig contains settings for the background membership syncer.
type SyncerConfig struct {
	// Interval is how often the syncer scans for segments due a sync.
	Interval time.Duration `envconfig:"INTERVAL" default:"1m"`

	// RefreshInterval is the maximum staleness allowed before a
	// rule-based segment is re-synced even without a rule change.
	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL" default:"1h"`

	// BatchSize is the number of workers fetched per page while
	// evaluating a rule against the population.
	BatchSize int `envconfig:"BATCH_SIZE" default:"500"`

	// Concurrency bounds the number of workers evaluated in parallel.
	Concurrency int `envconfig:"CONCURRENCY" default:"8"`
}

// Validate checks syncer configuration values.
func (s *SyncerConfig) Validate() error {
	if s.Interval < time.Second {
		return fmt.Errorf("syncer interval must be at least 1s, got %s", s.Interval)
	}

	if s.RefreshInterval < s.Interval {
		return fmt.Errorf("syncer refresh interval must be at least the scan interval, got %s", s.RefreshInterval)
	}

	if s.BatchSize < 1 {
		return fmt.Errorf("syncer batch size must be at least 1, got %d", s.BatchSize)
	}

	if s.Concurrency < 1 {
		return fmt.Errorf("syncer concurrency must be at least 1, got %d", s.Concurrency)
	}

	return nil
}
