// Package logging sets up the process-wide slog logger: a console handler,
// and optionally rotated log files with a separate warn-and-above errors
// file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"geostream/internal/config"
)

var (
	logFiles   []*lumberjack.Logger
	logFilesMu sync.Mutex
)

// Initialize builds the logger from configuration and installs it as the
// slog default.
func Initialize(cfg config.LoggingConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	slog.SetDefault(logger)

	slog.Info("logging initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"console", cfg.Console,
		"file", cfg.File,
	)
	return nil
}

// NewLogger creates a logger without installing it.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var handlers []slog.Handler

	if cfg.Console {
		handlers = append(handlers, newHandler(os.Stdout, cfg.Format, parseLevel(cfg.Level)))
	}

	if cfg.File {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		mainFile := newRotatedFile(cfg, "geostream.log")
		handlers = append(handlers, newHandler(mainFile, cfg.Format, parseLevel(cfg.Level)))

		errorFile := newRotatedFile(cfg, "errors.log")
		errorHandler := newHandler(errorFile, cfg.Format, slog.LevelWarn)
		handlers = append(handlers, NewLevelFilter(errorHandler, slog.LevelWarn))
	}

	switch len(handlers) {
	case 0:
		return slog.New(newHandler(io.Discard, cfg.Format, parseLevel(cfg.Level))), nil
	case 1:
		return slog.New(handlers[0]), nil
	default:
		return slog.New(NewMultiHandler(handlers...)), nil
	}
}

// Shutdown closes the rotated log files.
func Shutdown() error {
	logFilesMu.Lock()
	defer logFilesMu.Unlock()
	for _, f := range logFiles {
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
	}
	logFiles = nil
	return nil
}

func newRotatedFile(cfg config.LoggingConfig, name string) *lumberjack.Logger {
	f := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, name),
		MaxSize:    cfg.Rotation.MaxSize,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAge,
		Compress:   cfg.Rotation.Compress,
	}
	logFilesMu.Lock()
	logFiles = append(logFiles, f)
	logFilesMu.Unlock()
	return f
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
