// Package rlog attaches and retrieves a *slog.Logger instance to and
// from a context.Context, following the attach/retrieve convention used
// throughout the go-aws-commons slogging package.
package rlog

import (
	"context"
	"log/slog"
)

type loggerKey struct{}

// WithContext attaches logger to the returned context.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Get retrieves the logger attached with WithContext, or slog.Default
// if none was attached.
func Get(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// LevelFromString maps a trace|debug|info|warn|error string onto
// slog.Level. "trace" has no native slog level, so it is mapped one
// notch below Debug.
func LevelFromString(s string) slog.Level {
	switch s {
	case "trace":
		return slog.LevelDebug - 4
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
