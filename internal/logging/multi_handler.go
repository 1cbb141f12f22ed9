package logging

import (
	"context"
	"errors"
	"log/slog"
)

// MultiHandler sends each record to every handler that accepts its level.
// The console handler and the Sentry handler are combined this way.
func MultiHandler(handlers ...slog.Handler) slog.Handler {
	var out fanout
	for _, handler := range handlers {
		if handler != nil {
			out = append(out, handler)
		}
	}
	if len(out) == 0 {
		return discard.Handler()
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range f {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle gives each handler its own copy of the record so one handler
// adding attrs cannot leak them into another.
func (f fanout) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range f {
		if handler.Enabled(ctx, record.Level) {
			if err := handler.Handle(ctx, record.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f fanout) WithGroup(name string) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f fanout) each(apply func(slog.Handler) slog.Handler) fanout {
	next := make(fanout, len(f))
	for i, handler := range f {
		next[i] = apply(handler)
	}
	return next
}
