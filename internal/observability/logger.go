// Package observability provides logging, metrics, and tracing.
package observability

import (
	"log/slog"
	"os"
	"strings"
)

// SetupLogger configures a JSON slog logger with environment fields.
func SetupLogger(service, appEnv string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if strings.ToLower(appEnv) == "dev" {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(
		slog.String("service", service),
		slog.String("env", appEnv),
	)
}

// SetupLoggerLevel configures a JSON slog logger with an explicit level name
// (debug, info, warn, error). Unknown names fall back to info.
func SetupLoggerLevel(service, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(h).With(slog.String("service", service))
}
