package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the service tracer from the global provider. Setup installs
// the provider; before that (or with tracing disabled) spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(DefaultServiceName)
}
