// Package logging provides a small component-tagged wrapper around log/slog
// shared by every subsystem in the bridge.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Logger is the interface every component depends on. Callers use printf
// style formatting rather than slog's structured key/value pairs so that
// call sites read the same way across the whole tree.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	// With returns a logger tagged with an additional component segment,
	// e.g. base.With("pool") turns "registry" into "registry.pool".
	With(component string) Logger
}

var (
	rootOnce sync.Once
	root     *slog.Logger
)

// Config controls the process-wide base logger. Call Init once during
// startup; components created before Init fall back to a text handler on
// stderr at info level.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	Output *os.File
}

// Init installs the process-wide base handler. Safe to call once; later
// calls are no-ops.
func Init(cfg Config) {
	rootOnce.Do(func() {
		root = buildLogger(cfg)
	})
}

func buildLogger(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

func baseLogger() *slog.Logger {
	if root == nil {
		Init(Config{})
	}
	return root
}

type componentLogger struct {
	slog      *slog.Logger
	component string
}

// NewComponentLogger returns a Logger tagged with component, e.g. "registry"
// or "escrowclient". Every log line carries a "component" attribute.
func NewComponentLogger(component string) Logger {
	return &componentLogger{slog: baseLogger(), component: component}
}

func (c *componentLogger) With(child string) Logger {
	return &componentLogger{slog: c.slog, component: c.component + "." + child}
}

func (c *componentLogger) Debug(format string, args ...any) { c.log(slog.LevelDebug, format, args...) }
func (c *componentLogger) Info(format string, args ...any)  { c.log(slog.LevelInfo, format, args...) }
func (c *componentLogger) Warn(format string, args ...any)  { c.log(slog.LevelWarn, format, args...) }
func (c *componentLogger) Error(format string, args ...any) { c.log(slog.LevelError, format, args...) }

func (c *componentLogger) log(level slog.Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	c.slog.Log(context.Background(), level, msg, "component", c.component)
}

// nopLogger discards everything; used where a caller passes a nil logger.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any)    {}
func (nopLogger) Info(string, ...any)     {}
func (nopLogger) Warn(string, ...any)     {}
func (nopLogger) Error(string, ...any)    {}
func (n nopLogger) With(string) Logger    { return n }

// OrNop returns l, or a no-op Logger if l is nil. Components take a Logger
// dependency and call logging.OrNop(l) once at construction so every call
// site downstream can log unconditionally.
func OrNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}

// IsNil reports whether l is an untyped nil or a nopLogger.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	_, ok := l.(nopLogger)
	return ok
}

type logIDKey struct{}

// WithLogID attaches a request-scoped log id to ctx.
func WithLogID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, logIDKey{}, id)
}

// LogIDFromContext returns the log id attached by WithLogID, or "" if none.
func LogIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(logIDKey{}).(string)
	return v
}
