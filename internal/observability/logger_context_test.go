package observability

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerRoundTripsThroughContext(t *testing.T) {
	var buf bytes.Buffer
	lg := slog.New(slog.NewJSONHandler(&buf, nil)).With(slog.String("session_id", "s1"))

	ctx := ContextWithLogger(context.Background(), lg)
	got := LoggerFromContext(ctx)
	require.Same(t, lg, got)

	got.Info("hello")
	assert.Contains(t, buf.String(), `"session_id":"s1"`)
}

func TestLoggerFromContextFallsBackToDefault(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))
	assert.Same(t, slog.Default(), LoggerFromContext(ContextWithLogger(context.Background(), nil)))
}
