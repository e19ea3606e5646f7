package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for fabric spans.
var (
	AttrTaskID    = attribute.Key("fabric.task.id")
	AttrTaskType  = attribute.Key("fabric.task.type")
	AttrWorkerID  = attribute.Key("fabric.worker.id")
	AttrRunnerID  = attribute.Key("fabric.runner.id")
	AttrSessionID = attribute.Key("fabric.session.id")
	AttrState     = attribute.Key("fabric.task.state")
)

// StartSpan starts an internal span with common attributes (claim/reap
// loop iterations, store transactions).
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (the gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (a runner's LLM/tool API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
