// Package observability wires OpenTelemetry trace export for the chat service.
//
// Traces are exported over OTLP HTTP to whatever collector the endpoint
// points at (an OTel Collector, a vendor agent, etc). An empty endpoint
// disables export entirely; the service runs with a no-op shutdown.
package observability

import (
	"context"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ecomassist/chat/internal/log"
)

// Config for OTLP trace export.
type Config struct {
	// Endpoint is the collector's OTLP HTTP host:port. Empty disables tracing.
	Endpoint string
	// Environment is the deployment environment tag (dev, staging, prod).
	Environment string
	// ServiceName shown in the tracing backend.
	ServiceName string

	Logger log.Logger
}

// DefaultServiceName identifies this service in trace backends.
const DefaultServiceName = "ecomassist-chat"

// Setup registers an OTLP HTTP exporter with Genkit's TracerProvider so
// model and tool spans flow to the collector. Returns a shutdown function
// that flushes pending spans.
//
// Tracing failures never take the service down: if the exporter cannot be
// created the error is logged and a no-op shutdown is returned.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	if cfg.Endpoint == "" {
		logger.Debug("tracing disabled, no OTLP endpoint configured")
		return noop, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	// Genkit's TracerProvider reads the service identity from the standard
	// OTEL environment variables at span creation time.
	_ = os.Setenv("OTEL_SERVICE_NAME", serviceName)
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("failed to create OTLP exporter, tracing disabled", "error", err)
		return noop, nil
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	// Genkit owns the provider; installing it globally lets the agent loop
	// and the tool invoker attach their spans to the same pipeline.
	otel.SetTracerProvider(tracing.TracerProvider())

	logger.Debug("OTLP tracing enabled",
		"endpoint", cfg.Endpoint,
		"service", serviceName,
		"environment", cfg.Environment,
	)

	return tracing.TracerProvider().Shutdown, nil
}
