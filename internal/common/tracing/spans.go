package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	controlTracerName = "missionctl.control"
	proxyTracerName   = "missionctl.proxy"
)

// TraceTurnRoute covers the Control Actor's routing of one user message:
// runner selection, pre-emit persistence, and prompt dispatch.
func TraceTurnRoute(ctx context.Context, missionID, backend string) (context.Context, trace.Span) {
	ctx, span := Tracer(controlTracerName).Start(ctx, "turn.route",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("mission_id", missionID),
		attribute.String("backend", backend),
	)
	return ctx, span
}

// TraceProxyAttempt covers one upstream attempt in the provider waterfall.
func TraceProxyAttempt(ctx context.Context, providerID, modelID string, streaming bool) (context.Context, trace.Span) {
	ctx, span := Tracer(proxyTracerName).Start(ctx, "proxy.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("provider_id", providerID),
		attribute.String("model_id", modelID),
		attribute.Bool("streaming", streaming),
	)
	return ctx, span
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
