package observe

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Telemetry owns the process-wide meter and tracer providers.
type Telemetry struct {
	meters *sdkmetric.MeterProvider
	tracer *sdktrace.TracerProvider
}

// TelemetryOptions selects where hearsay's telemetry goes.
type TelemetryOptions struct {
	Version string
	// Spans receives each capture.start and capture.stop span as a JSON
	// document when it ends. Nil turns span recording off.
	Spans io.Writer
}

// Setup installs global providers. Metrics are collected into the default
// Prometheus registry, which cmd/hearsay serves on /metrics.
func Setup(opts TelemetryOptions) (*Telemetry, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("hearsay"),
		semconv.ServiceVersion(opts.Version),
	)

	exporter, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if opts.Spans != nil {
		spans, err := stdouttrace.New(stdouttrace.WithWriter(opts.Spans))
		if err != nil {
			return nil, fmt.Errorf("span exporter: %w", err)
		}
		// Two spans per session; export as they end.
		tpOpts = append(tpOpts, sdktrace.WithSyncer(spans))
	} else {
		tpOpts = append(tpOpts, sdktrace.WithSampler(sdktrace.NeverSample()))
	}

	t := &Telemetry{
		meters: sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter)),
		tracer: sdktrace.NewTracerProvider(tpOpts...),
	}
	otel.SetMeterProvider(t.meters)
	otel.SetTracerProvider(t.tracer)
	return t, nil
}

// MeterProvider returns the provider to build Metrics from.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meters
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tracer.Shutdown(ctx), t.meters.Shutdown(ctx))
}
