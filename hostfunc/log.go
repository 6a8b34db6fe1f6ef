package hostfunc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type attrsKey struct{}

// WithAttrs returns a context whose script log records carry attrs.
func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	prev, _ := ctx.Value(attrsKey{}).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(prev)+len(attrs))
	merged = append(merged, prev...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, attrsKey{}, merged)
}

// RegisterLog binds the log namespace to logger. Extra arguments after the
// message are attached as arg0, arg1, ... attributes.
func RegisterLog(r *Registry, logger *slog.Logger) {
	level := func(l slog.Level) Func {
		return func(ctx context.Context, args []any) (any, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("%w: message required", ErrBadArgument)
			}
			scoped, _ := ctx.Value(attrsKey{}).([]slog.Attr)
			attrs := make([]slog.Attr, 0, len(scoped)+len(args)-1)
			attrs = append(attrs, scoped...)
			for i, extra := range args[1:] {
				attrs = append(attrs, slog.Any(fmt.Sprintf("arg%d", i), extra))
			}
			logger.LogAttrs(ctx, l, fmt.Sprint(args[0]), attrs...)
			return nil, nil
		}
	}
	r.Register("log.debug", level(slog.LevelDebug))
	r.Register("log.info", level(slog.LevelInfo))
	r.Register("log.warn", level(slog.LevelWarn))
	r.Register("log.error", level(slog.LevelError))
}

// RegisterClock binds clock.now. A nil now uses time.Now.
func RegisterClock(r *Registry, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.Register("clock.now", func(ctx context.Context, args []any) (any, error) {
		return now().UnixMilli(), nil
	})
}

// Sprint joins values the way print renders them.
func Sprint(values ...any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		if v == nil {
			parts[i] = "null"
			continue
		}
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, " ")
}
