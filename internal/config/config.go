// Package config holds the application configuration for the geostream
// binary. Values are resolved in order: defaults, yaml file, environment
// overrides, validation.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"geostream/internal/query"
	"geostream/pkg/model"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Query   query.Config  `yaml:"query"`
	NATS    NATSConfig    `yaml:"nats"`
	Watches []WatchConfig `yaml:"watches"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the gateway listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AuthSecret is the HS256 secret for gateway tokens. Empty disables auth.
	AuthSecret string `yaml:"auth_secret"`
}

// StoreConfig selects and configures the datastore backend.
type StoreConfig struct {
	// Backend is "memory" or "mongo".
	Backend string      `yaml:"backend"`
	Mongo   MongoConfig `yaml:"mongo"`
}

// MongoConfig configures the MongoDB backend.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// NATSConfig configures the watch event stream. An empty URL disables
// publishing.
type NATSConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

// WatchConfig is one standing geofence watch published to NATS.
type WatchConfig struct {
	Name     string      `yaml:"name"`
	Center   CenterPoint `yaml:"center"`
	RadiusKm float64     `yaml:"radius_km"`
}

// CenterPoint is a configured coordinate pair.
type CenterPoint struct {
	Lat float64 `yaml:"lat"`
	Lng float64 `yaml:"lng"`
}

// Criteria converts the watch into query criteria.
func (w WatchConfig) Criteria() model.Criteria {
	center := model.Location{Latitude: w.Center.Lat, Longitude: w.Center.Lng}
	radius := w.RadiusKm
	return model.Criteria{Center: &center, RadiusKm: &radius}
}

// LoggingConfig configures the slog stack.
type LoggingConfig struct {
	Level    string         `yaml:"level"`
	Format   string         `yaml:"format"`
	Dir      string         `yaml:"dir"`
	Console  bool           `yaml:"console"`
	File     bool           `yaml:"file"`
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAge     int  `yaml:"max_age"`
	Compress   bool `yaml:"compress"`
}

// DefaultConfig returns the standalone defaults: in-memory store, open auth,
// console logging.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Store: StoreConfig{
			Backend: "memory",
			Mongo: MongoConfig{
				Database:   "geostream",
				Collection: "points",
			},
		},
		Query: query.DefaultConfig(),
		NATS: NATSConfig{
			Stream: "GEOSTREAM",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "text",
			Dir:     "logs",
			Console: true,
			Rotation: RotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
			},
		},
	}
}

// Load resolves the configuration: defaults, then the yaml file (skipped when
// absent), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.Query.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies GEOSTREAM_* environment variables over the
// current values.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("GEOSTREAM_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("GEOSTREAM_AUTH_SECRET"); v != "" {
		c.Server.AuthSecret = v
	}
	if v := os.Getenv("GEOSTREAM_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("GEOSTREAM_MONGO_URI"); v != "" {
		c.Store.Mongo.URI = v
	}
	if v := os.Getenv("GEOSTREAM_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("GEOSTREAM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

var watchNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}

	switch c.Store.Backend {
	case "memory":
	case "mongo":
		if c.Store.Mongo.URI == "" {
			return fmt.Errorf("config: store.mongo.uri is required for the mongo backend")
		}
		if c.Store.Mongo.Database == "" || c.Store.Mongo.Collection == "" {
			return fmt.Errorf("config: store.mongo.database and store.mongo.collection are required")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}

	if err := c.Query.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	seen := make(map[string]bool, len(c.Watches))
	for _, w := range c.Watches {
		if !watchNameRe.MatchString(w.Name) {
			return fmt.Errorf("config: watch name %q must match %s", w.Name, watchNameRe)
		}
		if seen[w.Name] {
			return fmt.Errorf("config: duplicate watch name %q", w.Name)
		}
		seen[w.Name] = true
		if err := w.Criteria().Validate(true); err != nil {
			return fmt.Errorf("config: watch %q: %w", w.Name, err)
		}
	}
	if len(c.Watches) > 0 && c.NATS.URL == "" {
		return fmt.Errorf("config: watches require nats.url")
	}
	return nil
}
