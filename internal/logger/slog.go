// Package logger provides the structured logger shared by the runtime packages.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

var (
	mu      sync.RWMutex
	slogger *slog.Logger
)

// Options configures the process logger.
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// JSON selects the JSON handler; otherwise a colored console handler is used.
	JSON bool
	// NoColor disables ANSI colors for the console handler.
	NoColor bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

// Init installs the process logger and makes it the slog default.
func Init(opts Options) *slog.Logger {
	w := opts.Output
	if w == nil {
		w = os.Stderr
	}
	level := ParseLevel(opts.Level)

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			NoColor:    opts.NoColor,
		})
	}

	l := slog.New(handler)
	mu.Lock()
	slogger = l
	mu.Unlock()
	slog.SetDefault(l)
	return l
}

// Set replaces the process logger without touching the slog default. Tests use
// it to capture output.
func Set(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	slogger = l
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// Context keys for structured logging
type contextKey string

const (
	ContextKeyRunID     contextKey = "run_id"
	ContextKeySessionID contextKey = "session_id"
)

// ContextWithRunID returns a context carrying the run id for log correlation.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ContextKeyRunID, runID)
}

// ContextWithSessionID returns a context carrying the session id.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithContext returns a logger with context fields
func WithContext(ctx context.Context) *slog.Logger {
	l := Slog()
	if ctx == nil {
		return l
	}
	if runID := ctx.Value(ContextKeyRunID); runID != nil {
		l = l.With("run_id", runID)
	}
	if sessionID := ctx.Value(ContextKeySessionID); sessionID != nil {
		l = l.With("session_id", sessionID)
	}
	return l
}

// DebugContext logs debug info with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).DebugContext(ctx, msg, args...)
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).InfoContext(ctx, msg, args...)
}

// WarnContext logs a warning with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).WarnContext(ctx, msg, args...)
}

// ErrorContext logs an error with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).ErrorContext(ctx, msg, args...)
}

// RunIDFromContext returns the run id stored by ContextWithRunID, if any.
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ContextKeyRunID).(string)
	return id
}
