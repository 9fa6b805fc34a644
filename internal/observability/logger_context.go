package observability

import (
	"context"
	"log/slog"
)

type loggerKey struct{}

// ContextWithLogger attaches a scoped logger to the context so deeper layers
// log with the caller's attributes (session_id, stage) without threading a
// logger through every signature.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, lg)
}

// LoggerFromContext returns the attached logger, or slog.Default when none
// is present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if lg, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && lg != nil {
		return lg
	}
	return slog.Default()
}
