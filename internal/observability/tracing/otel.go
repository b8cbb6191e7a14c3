// Package tracing installs the OpenTelemetry tracer provider shared by the
// LIS binaries. Spans cross process boundaries through W3C trace context,
// carried in HTTP headers and Kafka record headers.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Version is reported as service.version.
var Version = "dev"

type settings struct {
	endpoint    string
	environment string
	rate        float64
	attrs       []attribute.KeyValue
}

// Option configures Init.
type Option func(*settings)

// WithEndpoint sets the OTLP gRPC collector. Without one, spans are not
// exported but context still propagates.
func WithEndpoint(endpoint string) Option {
	return func(s *settings) { s.endpoint = endpoint }
}

func WithEnvironment(env string) Option {
	return func(s *settings) { s.environment = env }
}

// WithSampleRate sets the fraction of new traces that are recorded.
// Continued traces follow their parent's decision.
func WithSampleRate(rate float64) Option {
	return func(s *settings) { s.rate = rate }
}

// WithFacility tags every span with the laboratory it came from.
func WithFacility(facility string) Option {
	return func(s *settings) {
		if facility != "" {
			s.attrs = append(s.attrs, attribute.String("lis.facility", facility))
		}
	}
}

// Provider owns the exporter pipeline.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init installs the global propagator and, when an endpoint is configured,
// a batching tracer provider for service.
func Init(ctx context.Context, service string, opts ...Option) (*Provider, error) {
	s := settings{environment: "development", rate: 1}
	for _, o := range opts {
		o(&s)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if s.endpoint == "" {
		return &Provider{}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(s.endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(service),
		semconv.ServiceVersion(Version),
		semconv.DeploymentEnvironment(s.environment),
	}, s.attrs...)
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(s.rate)),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
