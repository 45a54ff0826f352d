package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName is reported when [ProviderConfig.ServiceName] is empty.
const DefaultServiceName = "murmur"

// ProviderConfig describes the process to the OpenTelemetry SDK.
type ProviderConfig struct {
	// ServiceName defaults to [DefaultServiceName].
	ServiceName string

	ServiceVersion string

	// InstanceID distinguishes processes of the same service, such as two
	// speech daemons on one host. A random UUID is used when empty.
	InstanceID string

	// Reader receives the meter provider's metrics. Nil selects the
	// Prometheus bridge scraped through /metrics.
	Reader sdkmetric.Reader

	// TraceExporter receives finished spans in batches. Nil keeps spans in
	// process only, which is enough for correlation IDs.
	TraceExporter sdktrace.SpanExporter
}

// Provider holds the SDK providers registered by [InitProvider].
type Provider struct {
	Resource *resource.Resource
	Meters   *sdkmetric.MeterProvider
	Tracers  *sdktrace.TracerProvider
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.Meters.Shutdown(ctx), p.Tracers.Shutdown(ctx))
}

// InitProvider builds the murmur resource and registers global meter and
// tracer providers plus the W3C trace-context propagator. Callers defer
// [Provider.Shutdown].
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceInstanceID(cfg.InstanceID),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	// OTEL_RESOURCE_ATTRIBUTES is applied first so the fields above win.
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reader := cfg.Reader
	if reader == nil {
		if reader, err = promexporter.New(); err != nil {
			return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
		}
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return &Provider{Resource: res, Meters: mp, Tracers: tp}, nil
}
