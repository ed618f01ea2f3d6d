// Package debug carries the debug flag through contexts and configures slog.
package debug

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const debugKey contextKey = "debug_enabled"

// WithDebug returns a context with debug mode enabled/disabled.
func WithDebug(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, debugKey, enabled)
}

// IsEnabled returns true if debug mode is enabled in the context.
func IsEnabled(ctx context.Context) bool {
	if v, ok := ctx.Value(debugKey).(bool); ok {
		return v
	}
	return false
}

// LogFormatEnv selects the handler: "json" for JSON lines, anything else for text.
const LogFormatEnv = "CRMSYNC_LOG_FORMAT"

// SetupLogger installs the default logger on stderr: debug level when enabled,
// warn otherwise.
func SetupLogger(debugEnabled bool) *slog.Logger {
	return SetupLoggerTo(os.Stderr, debugEnabled, os.Getenv(LogFormatEnv))
}

// SetupLoggerTo installs and returns a default logger writing to w.
func SetupLoggerTo(w io.Writer, debugEnabled bool, format string) *slog.Logger {
	level := slog.LevelWarn
	if debugEnabled {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler).With("app", "crmsync")
	slog.SetDefault(logger)
	return logger
}
