package otel

import (
	"context"
	"errors"
	"fmt"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// SetupConfig configures the OTLP trace export pipeline.
type SetupConfig struct {
	// Endpoint is the OTLP/HTTP collector endpoint as host:port. Required.
	Endpoint string
	// ServiceName names this service in exported traces. Empty means
	// "groqsearch".
	ServiceName string
	// ServiceVersion is attached to the trace resource when set.
	ServiceVersion string
	// Insecure disables TLS toward the collector.
	Insecure bool
}

// Setup installs a global tracer provider that exports spans to an OTLP
// collector over HTTP. The returned function flushes pending spans and
// shuts the provider down.
func Setup(ctx context.Context, cfg SetupConfig) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("otel: collector endpoint is required")
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "groqsearch"
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel: create trace exporter: %w", err)
	}

	// Built without merging resource.Default() to avoid schema URL conflicts.
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	res := resource.NewWithAttributes(semconv.SchemaURL, attrs...)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otelapi.SetTracerProvider(provider)
	otelapi.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Shutdown, nil
}
