package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the FableVoice tracer.
const tracerName = "github.com/fable-audio/fablevoice"

// Story-domain span attribute keys.
const (
	attrNodeID   = attribute.Key("story.node_id")
	attrEnding   = attribute.Key("story.ending")
	attrChoiceID = attribute.Key("story.choice_id")
)

// Tracer returns the package-level [trace.Tracer] for FableVoice. It uses
// the globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// WithNode annotates a span start with the story node it operates on.
func WithNode(nodeID string, ending bool) trace.SpanStartOption {
	return trace.WithAttributes(attrNodeID.String(nodeID), attrEnding.Bool(ending))
}

// MarkChoice records the followed choice on an active span.
func MarkChoice(span trace.Span, choiceID string) {
	span.SetAttributes(attrChoiceID.String(choiceID))
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
