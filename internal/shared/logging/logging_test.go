package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComponentLoggerTagsEveryLine(t *testing.T) {
	var buf bytes.Buffer
	l := &componentLogger{
		slog:      slog.New(slog.NewJSONHandler(&buf, nil)),
		component: "registry",
	}

	l.Info("swept %d entries", 3)
	out := buf.String()
	require.Contains(t, out, `"component":"registry"`)
	require.Contains(t, out, "swept 3 entries")
}

func TestWithAppendsComponentSegment(t *testing.T) {
	var buf bytes.Buffer
	l := &componentLogger{
		slog:      slog.New(slog.NewJSONHandler(&buf, nil)),
		component: "registry",
	}

	l.With("sweeper").Warn("slow sweep")
	require.Contains(t, buf.String(), `"component":"registry.sweeper"`)
}

func TestOrNopAndIsNil(t *testing.T) {
	require.True(t, IsNil(nil))
	require.True(t, IsNil(OrNop(nil)))
	require.NotPanics(t, func() {
		l := OrNop(nil)
		l.Debug("a")
		l.Info("b")
		l.Warn("c")
		l.Error("d")
	})

	real := NewComponentLogger("test")
	require.False(t, IsNil(real))
	require.Equal(t, real, OrNop(real))
}

func TestLogIDContextRoundTrip(t *testing.T) {
	ctx := WithLogID(context.Background(), "req-42")
	require.Equal(t, "req-42", LogIDFromContext(ctx))
	require.Empty(t, LogIDFromContext(context.Background()))
}

func TestBuildLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", ""} {
		require.NotNil(t, buildLogger(Config{Level: level}))
	}
}
