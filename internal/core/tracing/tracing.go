// Package tracing wires the OpenTelemetry spans every outbound LLM call
// (provider.call, C4/C7) and tool invocation (tool.invoke, C8) carries.
//
// Grounded on haasonsaas-nexus's internal/observability.Tracer: when no
// OTLP collector is configured the package still runs every call site
// through the same Start/End surface rather than skipping span creation,
// falling back to the global no-op TracerProvider (otel.Tracer) instead of
// constructing an exporter pipeline this CLI has no collector endpoint to
// point at.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("agent")

// StartProviderCall opens the provider.call span around one outbound turn
// to a provider's SDK.
func StartProviderCall(ctx context.Context, sessionID, providerID, modelID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "provider.call", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("sessionId", sessionID),
			attribute.String("provider", providerID),
			attribute.String("model", modelID),
		))
}

// StartToolInvoke opens the tool.invoke span around one dispatched tool
// call.
func StartToolInvoke(ctx context.Context, sessionID, callID, toolName string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "tool.invoke", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("sessionId", sessionID),
			attribute.String("callId", callID),
			attribute.String("tool", toolName),
		))
}

// End records err on span, if non-nil, and ends it. Call via defer
// immediately after a Start* call.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
