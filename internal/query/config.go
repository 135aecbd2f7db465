package query

import (
	"fmt"
	"time"

	"geostream/internal/geohash"
)

// Config holds the tunable policy of a live query: the geohash precision of
// stored records and the deferred-teardown thresholds of the subscription
// manager.
type Config struct {
	// Precision is the geohash length of stored records.
	Precision int `yaml:"precision"`

	// CleanupThreshold is the number of range subscriptions above which a
	// debounced cleanup is scheduled after a reconcile.
	CleanupThreshold int `yaml:"cleanup_threshold"`

	// CleanupDebounce is the delay before a scheduled cleanup runs.
	CleanupDebounce time.Duration `yaml:"cleanup_debounce"`

	// SweepInterval is the period of the unconditional cleanup sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns the standard policy: precision 10, teardown deferred
// above 25 ranges with a 10ms debounce and a 10s sweep.
func DefaultConfig() Config {
	return Config{
		Precision:        geohash.DefaultPrecision,
		CleanupThreshold: 25,
		CleanupDebounce:  10 * time.Millisecond,
		SweepInterval:    10 * time.Second,
	}
}

// ApplyDefaults fills unset fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Precision <= 0 {
		c.Precision = def.Precision
	}
	if c.CleanupThreshold <= 0 {
		c.CleanupThreshold = def.CleanupThreshold
	}
	if c.CleanupDebounce <= 0 {
		c.CleanupDebounce = def.CleanupDebounce
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.Precision < 1 || c.Precision > geohash.MaxPrecision {
		return fmt.Errorf("query: precision %d must be within [1, %d]", c.Precision, geohash.MaxPrecision)
	}
	if c.CleanupThreshold < 1 {
		return fmt.Errorf("query: cleanup_threshold must be positive")
	}
	return nil
}
