// Package logger provides structured logging for the services.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey struct{}

// Setup builds a JSON logger at the given level and installs it as the slog default.
// Unknown levels fall back to info with a warning.
func Setup(level string) *slog.Logger {
	return setup(os.Stdout, level)
}

// SetupWriter is Setup writing to w instead of stdout.
func SetupWriter(w io.Writer, level string) *slog.Logger {
	return setup(w, level)
}

func setup(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Warn("invalid log level configured, using default level",
			"configured_level", level,
			"default_level", "info")
	}

	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(l)
	return l
}

// WithContext returns a copy of ctx carrying l.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or the slog default.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
