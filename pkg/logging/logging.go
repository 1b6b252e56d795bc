// Package logging configures the process-wide slog logger from config.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hoard/hoard/pkg/config"
)

// Level maps the debug setting onto a slog level: "none" logs warnings and
// errors, "low" adds info, "high" adds debug.
func Level(debug string) slog.Level {
	switch debug {
	case "high":
		return slog.LevelDebug
	case "low":
		return slog.LevelInfo
	}
	return slog.LevelWarn
}

// Setup builds a logger from cfg, installs it as the slog default and
// returns it with a closer for the log file. If the log file cannot be
// prepared, output falls back to stderr and a warning is logged.
func Setup(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	out, closer, outErr := buildOutput(cfg)

	hopts := &slog.HandlerOptions{Level: Level(cfg.Debug)}
	var h slog.Handler
	switch cfg.Format {
	case "json":
		h = slog.NewJSONHandler(out, hopts)
	case "", "text":
		h = slog.NewTextHandler(out, hopts)
	default:
		return nil, nil, fmt.Errorf("logging.Setup: unknown format %q", cfg.Format)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	if outErr != nil {
		logger.Warn("log file unavailable, logging to stderr", "component", "logging",
			"path", cfg.File, "error", outErr)
	}
	return logger, closer, nil
}

func buildOutput(cfg config.LoggingConfig) (io.Writer, io.Closer, error) {
	if cfg.File == "" {
		return os.Stderr, nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return os.Stderr, nopCloser{}, fmt.Errorf("create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}
	return rotator, rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
