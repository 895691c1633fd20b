// Package observability carries request-scoped logging state through
// context.Context so the HTTP layer, the dispatcher and the transport log
// with the same correlation fields.
package observability

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type (
	loggerKey    struct{}
	requestIDKey struct{}
	callIDKey    struct{}
)

func value[T comparable](ctx context.Context, key any) T {
	var zero T
	if ctx == nil {
		return zero
	}
	v, _ := ctx.Value(key).(T)
	return v
}

// ContextWithLogger attaches lg to ctx. A nil logger leaves ctx unchanged.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, lg)
}

// LoggerFromContext returns the logger stored in ctx, or slog.Default.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if lg := value[*slog.Logger](ctx, loggerKey{}); lg != nil {
		return lg
	}
	return slog.Default()
}

// ContextWithRequestID records the originating HTTP request id. An empty id
// leaves ctx unchanged.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	return value[string](ctx, requestIDKey{})
}

// StartCall assigns a fresh call_id and returns a context whose logger
// carries it. Fragments of one rephrase share the request_id but get
// distinct call ids.
func StartCall(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	ctx = context.WithValue(ctx, callIDKey{}, id)
	return ContextWithLogger(ctx, LoggerFromContext(ctx).With(slog.String("call_id", id))), id
}

// CallIDFromContext returns the current call_id, or "" outside a call.
func CallIDFromContext(ctx context.Context) string {
	return value[string](ctx, callIDKey{})
}
