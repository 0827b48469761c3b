package observe

import (
	"context"
	"errors"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName is reported when ProviderConfig.ServiceName is empty.
const DefaultServiceName = "voicegate"

// ProviderConfig describes this gateway instance to the telemetry backends.
type ProviderConfig struct {
	// ServiceName defaults to [DefaultServiceName].
	ServiceName string

	// ServiceVersion is the build version, usually set by the linker.
	ServiceVersion string

	// Environment is reported as deployment.environment (e.g. "prod").
	Environment string

	// InstanceID distinguishes gateway replicas. Defaults to the hostname.
	InstanceID string

	// Registerer receives the Prometheus collectors. Defaults to
	// [prometheus.DefaultRegisterer], which promhttp.Handler serves.
	Registerer prometheus.Registerer

	// SampleRatio is the fraction of new traces that are recorded. Values
	// outside (0, 1) record every trace. Parent decisions are honoured.
	SampleRatio float64

	// TraceExporter receives finished spans. When nil, spans are sampled for
	// log correlation but not exported.
	TraceExporter sdktrace.SpanExporter
}

// Resource builds the OTel resource for cfg. Host and SDK attributes as
// well as OTEL_RESOURCE_ATTRIBUTES are merged in.
func Resource(ctx context.Context, cfg ProviderConfig) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.InstanceID = host
		}
	}
	attrs := []resource.Option{
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.ServiceVersion)))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.DeploymentEnvironment(cfg.Environment)))
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceInstanceID(cfg.InstanceID)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) {
		return nil, err
	}
	return res, nil
}

// InitProvider installs global meter and tracer providers for the gateway
// and the W3C trace context propagator. Metrics are exposed through the
// Prometheus exporter on cfg.Registerer.
//
// The returned shutdown flushes both providers; call it after the HTTP
// server has stopped.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := Resource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var promOpts []promexporter.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	promExp, err := promexporter.New(promOpts...)
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
