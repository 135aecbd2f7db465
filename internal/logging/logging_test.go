package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geostream/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestNewLogger_FileOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Dir:    dir,
		File:   true,
	}

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("hello", "component", "test")
	logger.Warn("trouble")
	require.NoError(t, Shutdown())

	mainData, err := os.ReadFile(filepath.Join(dir, "geostream.log"))
	require.NoError(t, err)
	assert.Contains(t, string(mainData), `"msg":"hello"`)
	assert.Contains(t, string(mainData), `"msg":"trouble"`)

	// The errors file only receives warn and above.
	errData, err := os.ReadFile(filepath.Join(dir, "errors.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(errData), `"msg":"hello"`)
	assert.Contains(t, string(errData), `"msg":"trouble"`)
}

func TestMultiHandler(t *testing.T) {
	var a, b bytes.Buffer
	h := NewMultiHandler(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	logger := slog.New(h)

	logger.Info("to-a")
	logger.Error("to-both")

	assert.Contains(t, a.String(), "to-a")
	assert.Contains(t, a.String(), "to-both")
	assert.NotContains(t, b.String(), "to-a")
	assert.Contains(t, b.String(), "to-both")

	assert.True(t, h.Enabled(context.Background(), slog.LevelInfo))
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewLevelFilter(inner, slog.LevelWarn))

	logger.Info("dropped")
	logger.Warn("kept")

	lines := strings.TrimSpace(buf.String())
	assert.NotContains(t, lines, "dropped")
	assert.Contains(t, lines, "kept")
}
