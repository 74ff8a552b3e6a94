package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracingOptions configures the process tracer provider.
type TracingOptions struct {
	Enabled bool
	// Endpoint is the OTLP/gRPC collector address.
	Endpoint string
	Insecure bool
	// SampleRate is the ratio of sampled root traces.
	SampleRate     float64
	ServiceName    string
	ServiceVersion string
	// Exporter replaces the OTLP exporter.
	Exporter sdktrace.SpanExporter
}

// TracerProvider owns the SDK provider installed as the global one.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// NewTracerProvider installs an SDK tracer provider exporting over OTLP/gRPC.
// When tracing is disabled the global no-op provider stays in place.
func NewTracerProvider(ctx context.Context, opts TracingOptions) (*TracerProvider, error) {
	if !opts.Enabled {
		return &TracerProvider{}, nil
	}
	if opts.SampleRate <= 0 || opts.SampleRate > 1 {
		opts.SampleRate = 1
	}

	exporter := opts.Exporter
	if exporter == nil {
		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
		if opts.Insecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		var err error
		exporter, err = otlptracegrpc.New(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", opts.ServiceName),
		attribute.String("service.version", opts.ServiceVersion),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRate))),
	)
	otel.SetTracerProvider(provider)
	return &TracerProvider{provider: provider}, nil
}

// Enabled reports whether an SDK provider is installed.
func (tp *TracerProvider) Enabled() bool {
	return tp != nil && tp.provider != nil
}

// Shutdown flushes pending spans and stops the exporter.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if !tp.Enabled() {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}
