package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the lexicaption tracer.
const tracerName = "github.com/MrWong99/lexicaption"

// Span attribute keys.
const (
	AttrRequestID = attribute.Key("lexicaption.request.id")
	AttrProvider  = attribute.Key("lexicaption.provider")
	AttrErrorKind = attribute.Key("lexicaption.error.kind")
	AttrSessionID = attribute.Key("lexicaption.session.id")
)

// Tracer returns the package-level [trace.Tracer] for lexicaption. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartLookup starts the client span around one dictionary lookup. Finish it
// with [EndLookup].
func StartLookup(ctx context.Context, requestID uint64, provider string) (context.Context, trace.Span) {
	return StartSpan(ctx, "lexicaption.enrich",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrRequestID.Int64(int64(requestID)),
			AttrProvider.String(provider),
		),
	)
}

// EndLookup records the outcome of a lookup on span and ends it. kind is the
// error class of err and is ignored when err is nil.
func EndLookup(span trace.Span, err error, kind string) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(AttrErrorKind.String(kind))
		span.SetStatus(codes.Error, kind)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
// The trace ID is echoed to bridge clients as the request correlation ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// WithTrace returns l annotated with trace_id and span_id from the span
// context in ctx. Without an active span l is returned unchanged.
func WithTrace(ctx context.Context, l *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return l
	}
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// Logger is [WithTrace] applied to the default logger.
func Logger(ctx context.Context) *slog.Logger {
	return WithTrace(ctx, slog.Default())
}
