// Package shared holds small cross-cutting helpers (trace ID
// propagation) used by more than one of the fabric's packages (worker
// and session), avoiding a dependency cycle between them.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceIDKey struct{}

// NewTraceID mints a fresh trace identifier for one task run.
func NewTraceID() string { return uuid.NewString() }

// WithTraceID attaches a trace ID to ctx; TraceID reads it back out.
// internal/otel does not read it.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID returns the trace ID attached to ctx, or "" if none was set.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey{}).(string)
	return v
}
