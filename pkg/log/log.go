// Package log carries a *slog.Logger through a context so request, entry and
// meter scoped attributes follow a call chain without being passed around.
package log

import (
	"context"
	"log/slog"
)

type contextKey struct{}

// Ctx returns the logger stored in ctx, or slog.Default when there is none.
// Falling through to slog.Default means the handler and level chosen in main
// apply everywhere.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// With returns a copy of ctx carrying l.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// WithAttrs adds attrs to the logger already in ctx.
func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return With(ctx, Ctx(ctx).With(args...))
}

// WithEntry scopes the logger to a configured E.ON Next account entry.
func WithEntry(ctx context.Context, entryID string) context.Context {
	return WithAttrs(ctx, slog.String("entryID", entryID))
}

// WithMeter scopes the logger to a single meter.
func WithMeter(ctx context.Context, serial, kind string) context.Context {
	return WithAttrs(ctx, slog.String("serial", serial), slog.String("kind", kind))
}
