package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope reported on every span this module
// emits.
const tracerName = "github.com/vocoach/vocoach"

// Tracer returns the module tracer, backed by the globally registered
// [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan opens a span covering one coaching session from websocket
// accept to teardown, tagged so per-session traces can be found by attribute.
func StartSessionSpan(ctx context.Context, sessionID, language string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.language", language),
		),
	)
}

// CorrelationID extracts the trace ID from the span context in ctx; it is
// what logs and the X-Correlation-ID response header carry. Returns the empty
// string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns an [slog.Logger] carrying trace_id and span_id from the span
// context in ctx, or the default logger when no span is active.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
