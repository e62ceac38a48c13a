package resilience

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// otelAttrName tags a counter increment with the backend/breaker name so
// per-backend rates can be sliced out of the shared instruments.
func otelAttrName(name string) metric.AddOption {
	return metric.WithAttributes(attribute.String("name", name))
}
