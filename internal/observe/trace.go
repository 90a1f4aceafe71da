package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the Dawn tracer.
const tracerName = "github.com/MrWong99/dawn"

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
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

type satelliteKey struct{}

// WithSatellite returns a context that carries the satellite UUID so that
// [Logger] can attach it to every record.
func WithSatellite(ctx context.Context, uuid string) context.Context {
	return context.WithValue(ctx, satelliteKey{}, uuid)
}

// SatelliteUUID returns the satellite UUID stored by [WithSatellite], or "".
func SatelliteUUID(ctx context.Context) string {
	s, _ := ctx.Value(satelliteKey{}).(string)
	return s
}

// Logger returns an [slog.Logger] enriched with satellite_uuid (when known)
// and trace_id/span_id from the OTel span context in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := SatelliteUUID(ctx); id != "" {
		l = l.With(slog.String("satellite_uuid", id))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
