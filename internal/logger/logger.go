// Package logger provides structured logging using log/slog, with
// context-propagated symbol/timeframe/job_id attributes so every error
// that crosses a component boundary carries the context the error
// handling design requires without re-wrapping away its cause.
package logger

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

type ctxKey string

const (
	traceIDKey ctxKey = "trace_id"
	symbolKey  ctxKey = "symbol"
	tfKey      ctxKey = "timeframe"
	jobIDKey   ctxKey = "job_id"
)

// Init builds the process-wide structured logger: JSON to stdout, tagged
// with the component name, and installs it as the slog default so
// log/slog package-level calls pick it up too.
func Init(component string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	log := slog.New(handler).With(slog.String("component", component))
	slog.SetDefault(log)
	return log
}

// WithTraceID attaches a request/session trace id to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithSymbol attaches the symbol under operation to ctx.
func WithSymbol(ctx context.Context, symbol string) context.Context {
	return context.WithValue(ctx, symbolKey, symbol)
}

// WithTimeframe attaches the timeframe under operation to ctx.
func WithTimeframe(ctx context.Context, tf string) context.Context {
	return context.WithValue(ctx, tfKey, tf)
}

// WithJobID attaches a scheduler or training job id to ctx.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// NewTraceID mints a new random trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// Attrs collects every context attribute set on ctx into slog args,
// suitable as `logger.Attrs(ctx)...` trailing a log call.
func Attrs(ctx context.Context) []any {
	var attrs []any
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("trace_id", v))
	}
	if v, ok := ctx.Value(symbolKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("symbol", v))
	}
	if v, ok := ctx.Value(tfKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("timeframe", v))
	}
	if v, ok := ctx.Value(jobIDKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("job_id", v))
	}
	return attrs
}
