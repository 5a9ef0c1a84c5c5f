// Package tracing sets up OpenTelemetry tracing for the proxy and its
// outbound clients.
package tracing

import (
	"context"
	"net"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	propjaeger "go.opentelemetry.io/contrib/propagators/jaeger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// EndpointType represents the type of the tracing endpoint.
type EndpointType string

const (
	EndpointTypeCollector EndpointType = "collector"
	EndpointTypeAgent     EndpointType = "agent"
	EndpointTypeOTel      EndpointType = "otel"
)

// Config selects where traces are exported to.
// Tracing is disabled when Endpoint is empty.
type Config struct {
	ServiceName      string
	Endpoint         string
	EndpointType     EndpointType
	SamplingFraction float64
}

// InitTracer installs a global TracerProvider exporting to the configured
// endpoint and returns it with a function flushing pending spans.
func InitTracer(ctx context.Context, cfg Config) (trace.TracerProvider, func(context.Context) error, error) {
	noop := trace.NewNoopTracerProvider()
	nopShutdown := func(context.Context) error { return nil }
	otel.SetTracerProvider(noop)

	if cfg.Endpoint == "" {
		return noop, nopShutdown, nil
	}

	r, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return noop, nopShutdown, errors.Wrap(err, "create resource")
	}

	var exporter sdktrace.SpanExporter
	switch cfg.EndpointType {
	case EndpointTypeAgent, EndpointTypeCollector:
		exporter, err = newJaegerExporter(cfg.EndpointType, cfg.Endpoint)
		if err != nil {
			return noop, nopShutdown, errors.Wrap(err, "setup jaeger exporter")
		}
	case EndpointTypeOTel:
		exporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return noop, nopShutdown, errors.Wrap(err, "setup otel exporter")
		}
	default:
		return noop, nopShutdown, errors.Errorf("invalid endpoint type: %q", cfg.EndpointType)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingFraction))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propjaeger.Jaeger{},
		propagation.Baggage{},
	))

	return provider, provider.Shutdown, nil
}

func newJaegerExporter(endpointType EndpointType, endpoint string) (*jaeger.Exporter, error) {
	var endpointOption jaeger.EndpointOption
	switch endpointType {
	case EndpointTypeAgent:
		host, port, err := net.SplitHostPort(endpoint)
		if err != nil {
			return nil, errors.Wrap(err, "cannot parse tracing endpoint host and port")
		}
		endpointOption = jaeger.WithAgentEndpoint(
			jaeger.WithAgentHost(host),
			jaeger.WithAgentPort(port),
		)
	case EndpointTypeCollector:
		endpointOption = jaeger.WithCollectorEndpoint(
			jaeger.WithEndpoint(endpoint),
		)
	default:
		return nil, errors.New("unknown tracing endpoint type provided")
	}

	return jaeger.New(endpointOption)
}

// OtelErrorHandler logs errors of the OpenTelemetry SDK.
type OtelErrorHandler struct {
	Logger log.Logger
}

func (oh OtelErrorHandler) Handle(err error) {
	level.Error(oh.Logger).Log("msg", "opentelemetry", "err", err.Error())
}
