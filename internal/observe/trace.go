package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voicegate tracer.
const tracerName = "github.com/MrWong99/voicegate"

// DeviceIDKey is the span attribute carrying the device a turn belongs to.
const DeviceIDKey = attribute.Key("device_id")

type deviceKey struct{}

// Tracer returns the voicegate tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span. The caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartDeviceSpan starts a span tagged with [DeviceIDKey] and records the
// device on the returned context, so [Logger] and [DeviceID] pick it up.
func StartDeviceSpan(ctx context.Context, name, deviceID string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, deviceKey{}, deviceID)
	opts = append(opts, trace.WithAttributes(DeviceIDKey.String(deviceID)))
	return Tracer().Start(ctx, name, opts...)
}

// DeviceID returns the device recorded by [StartDeviceSpan], or "".
func DeviceID(ctx context.Context) string {
	id, _ := ctx.Value(deviceKey{}).(string)
	return id
}

// Fail marks span as failed with err and returns err unchanged.
func Fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// CorrelationID returns the trace ID of the active span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id, span_id and device_id
// attached when ctx carries them.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := DeviceID(ctx); id != "" {
		attrs = append(attrs, slog.String("device_id", id))
	}
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}
