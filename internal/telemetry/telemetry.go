// Package telemetry wires OpenTelemetry tracing and the message metrics.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const instrumentation = "github.com/LeventeLantos/dispatcher"

type Config struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Setup installs global tracer and meter providers exporting over OTLP/HTTP.
// When disabled the global no-op providers stay in place.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	traceOpts := []otlptracehttp.Option{}
	metricOpts := []otlpmetrichttp.Option{}
	if cfg.OTLPEndpoint != "" {
		traceOpts = append(traceOpts, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		metricOpts = append(metricOpts, otlpmetrichttp.WithEndpointURL(cfg.OTLPEndpoint))
	}

	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}
	metricExporter, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	tp := NewTracerProvider(cfg.ServiceName, sdktrace.WithBatcher(traceExporter))
	mp := NewMeterProvider(cfg.ServiceName, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func NewTracerProvider(serviceName string, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	opts = append([]sdktrace.TracerProviderOption{sdktrace.WithResource(serviceResource(serviceName))}, opts...)
	return sdktrace.NewTracerProvider(opts...)
}

func NewMeterProvider(serviceName string, opts ...sdkmetric.Option) *sdkmetric.MeterProvider {
	opts = append([]sdkmetric.Option{sdkmetric.WithResource(serviceResource(serviceName))}, opts...)
	return sdkmetric.NewMeterProvider(opts...)
}

func serviceResource(serviceName string) *resource.Resource {
	if serviceName == "" {
		serviceName = "dispatcher"
	}
	return resource.NewSchemaless(attribute.String("service.name", serviceName))
}

// Meter returns the dispatcher's meter from the global provider.
func Meter() metric.Meter {
	return otel.Meter(instrumentation)
}
