package pubsub

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "boardboard-realtime"

// TracingConfig holds configuration for OpenTelemetry tracing
type TracingConfig struct {
	Enabled     bool   // Whether tracing is enabled
	ServiceName string // Service name for traces
	ZipkinURL   string // Zipkin exporter URL
	// SampleRatio is the fraction of root traces kept. Values outside
	// (0, 1) sample everything.
	SampleRatio float64
}

// DefaultTracingConfig returns a default tracing configuration
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:     false,
		ServiceName: "boardboard",
		ZipkinURL:   "http://localhost:9411/api/v2/spans",
		SampleRatio: 1,
	}
}

// SetupOTel builds the tracer shared by brokers and the realtime client.
// With tracing disabled it returns a no-op tracer. The returned shutdown
// flushes pending spans.
func SetupOTel(ctx context.Context, config TracingConfig) (trace.Tracer, func(context.Context) error, error) {
	if !config.Enabled {
		return noop.NewTracerProvider().Tracer(tracerName), func(context.Context) error { return nil }, nil
	}

	exporter, err := zipkin.New(config.ZipkinURL)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub: zipkin exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub: otel resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if config.SampleRatio > 0 && config.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(config.SampleRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Tracer(tracerName), tp.Shutdown, nil
}
