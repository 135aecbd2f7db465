package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GEOSTREAM_ADDR", "GEOSTREAM_AUTH_SECRET", "GEOSTREAM_STORE_BACKEND",
		"GEOSTREAM_MONGO_URI", "GEOSTREAM_NATS_URL", "GEOSTREAM_LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "GEOSTREAM", cfg.NATS.Stream)
	assert.Equal(t, 10, cfg.Query.Precision)
	assert.Equal(t, 25, cfg.Query.CleanupThreshold)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Console)
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
store:
  backend: mongo
  mongo:
    uri: mongodb://localhost:27017
query:
  precision: 8
nats:
  url: nats://localhost:4222
watches:
  - name: harbor
    center:
      lat: 1.5
      lng: 2.5
    radius_km: 25
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "mongo", cfg.Store.Backend)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Store.Mongo.URI)
	assert.Equal(t, "geostream", cfg.Store.Mongo.Database, "file values merge over defaults")
	assert.Equal(t, 8, cfg.Query.Precision)
	assert.Equal(t, 25, cfg.Query.CleanupThreshold, "unset query fields keep defaults")
	assert.Equal(t, "debug", cfg.Logging.Level)

	require.Len(t, cfg.Watches, 1)
	crit := cfg.Watches[0].Criteria()
	require.NoError(t, crit.Validate(true))
	assert.Equal(t, 1.5, crit.Center.Latitude)
	assert.Equal(t, 25.0, *crit.RadiusKm)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEOSTREAM_ADDR", ":7070")
	t.Setenv("GEOSTREAM_STORE_BACKEND", "mongo")
	t.Setenv("GEOSTREAM_MONGO_URI", "mongodb://db:27017")
	t.Setenv("GEOSTREAM_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "mongo", cfg.Store.Backend)
	assert.Equal(t, "mongodb://db:27017", cfg.Store.Mongo.URI)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate_Errors(t *testing.T) {
	clearEnv(t)

	cfg := DefaultConfig()
	cfg.Store.Backend = "redis"
	assert.ErrorContains(t, cfg.Validate(), "unknown store backend")

	cfg = DefaultConfig()
	cfg.Store.Backend = "mongo"
	assert.ErrorContains(t, cfg.Validate(), "store.mongo.uri")

	cfg = DefaultConfig()
	cfg.Query.Precision = 99
	assert.ErrorContains(t, cfg.Validate(), "precision")

	cfg = DefaultConfig()
	cfg.NATS.URL = "nats://localhost:4222"
	cfg.Watches = []WatchConfig{{Name: "bad name!", Center: CenterPoint{Lat: 1, Lng: 2}, RadiusKm: 5}}
	assert.ErrorContains(t, cfg.Validate(), "watch name")

	cfg.Watches = []WatchConfig{
		{Name: "a", Center: CenterPoint{Lat: 1, Lng: 2}, RadiusKm: 5},
		{Name: "a", Center: CenterPoint{Lat: 1, Lng: 2}, RadiusKm: 5},
	}
	assert.ErrorContains(t, cfg.Validate(), "duplicate watch name")

	cfg.Watches = []WatchConfig{{Name: "a", Center: CenterPoint{Lat: 99, Lng: 2}, RadiusKm: 5}}
	assert.ErrorContains(t, cfg.Validate(), "watch")

	cfg = DefaultConfig()
	cfg.Watches = []WatchConfig{{Name: "a", Center: CenterPoint{Lat: 1, Lng: 2}, RadiusKm: 5}}
	assert.ErrorContains(t, cfg.Validate(), "nats.url")
}
