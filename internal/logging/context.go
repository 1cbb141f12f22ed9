// Package logging carries request and order scoped slog loggers through
// contexts.
package logging

import (
	"context"
	"io"
	"log/slog"
)

type loggerKey struct{}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// WithLogger stores logger in ctx. A nil logger stores a discarding one.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = discard
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// With adds args to the context logger so that everything called with the
// returned context logs them too. Services use it to tag order and user ids.
func With(ctx context.Context, fallback *slog.Logger, args ...any) (context.Context, *slog.Logger) {
	logger := FromContext(ctx, fallback).With(args...)
	return WithLogger(ctx, logger), logger
}

// FromContext prefers the context logger, then fallback, then a logger
// that drops everything.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if ctx != nil {
		if logger, _ := ctx.Value(loggerKey{}).(*slog.Logger); logger != nil {
			return logger
		}
	}
	if fallback != nil {
		return fallback
	}
	return discard
}
