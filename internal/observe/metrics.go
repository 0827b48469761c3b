// Package observe provides application-wide observability primitives for
// voicegate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicegate metrics.
const meterName = "github.com/MrWong99/voicegate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text recognition latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency, measured to the end of the
	// stream.
	LLMDuration metric.Float64Histogram

	// CodecDuration tracks audio conversion latency. Use with attribute:
	//   attribute.String("op", ...)
	CodecDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderConstructions counts provider instances built by the session
	// registries. Use with attribute:
	//   attribute.String("kind", ...)
	ProviderConstructions metric.Int64Counter

	// ProviderTeardowns counts provider instances released by the session
	// registries. Use with attribute:
	//   attribute.String("kind", ...)
	ProviderTeardowns metric.Int64Counter

	// Utterances counts segmented utterances delivered to a sink. Use with
	// attribute:
	//   attribute.String("device_id", ...)
	Utterances metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// CodecErrors counts failed audio conversions. Use with attribute:
	//   attribute.String("op", ...)
	CodecErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes of fallback
	// provider groups. Use with attributes:
	//   attribute.String("entry", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live provider sessions held by the
	// registries. Use with attribute:
	//   attribute.String("kind", ...)
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("voicegate.stt.duration",
		metric.WithDescription("Latency of speech-to-text recognition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voicegate.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CodecDuration, err = m.Float64Histogram("voicegate.codec.duration",
		metric.WithDescription("Latency of audio conversions by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voicegate.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderConstructions, err = m.Int64Counter("voicegate.provider.constructions",
		metric.WithDescription("Total provider instances constructed by kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderTeardowns, err = m.Int64Counter("voicegate.provider.teardowns",
		metric.WithDescription("Total provider instances torn down by kind."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("voicegate.utterances",
		metric.WithDescription("Total utterances emitted by device."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voicegate.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.CodecErrors, err = m.Int64Counter("voicegate.codec.errors",
		metric.WithDescription("Total failed audio conversions by operation."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voicegate.provider.breaker_transitions",
		metric.WithDescription("Circuit breaker state changes by provider entry and new state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicegate.active_sessions",
		metric.WithDescription("Number of live provider sessions by kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicegate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordConstruction counts a new provider instance and raises the active
// session gauge for kind.
func (m *Metrics) RecordConstruction(ctx context.Context, kind string) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.ProviderConstructions.Add(ctx, 1, attrs)
	m.ActiveSessions.Add(ctx, 1, attrs)
}

// RecordTeardown counts a released provider instance and lowers the active
// session gauge for kind.
func (m *Metrics) RecordTeardown(ctx context.Context, kind string) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.ProviderTeardowns.Add(ctx, 1, attrs)
	m.ActiveSessions.Add(ctx, -1, attrs)
}

// RecordCodec records the latency of one audio conversion and, when err is
// non-nil, an error count for op.
func (m *Metrics) RecordCodec(ctx context.Context, op string, seconds float64, err error) {
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.CodecDuration.Record(ctx, seconds, attrs)
	if err != nil {
		m.CodecErrors.Add(ctx, 1, attrs)
	}
}

// RecordBreakerTransition counts a circuit breaker of entry entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, entry, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entry", entry),
		attribute.String("state", state),
	))
}

// RecordUtterance counts one utterance delivered for deviceID.
func (m *Metrics) RecordUtterance(ctx context.Context, deviceID string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("device_id", deviceID)),
	)
}
