package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var _ propagation.TextMapCarrier = HeaderCarrier(nil)

// HeaderCarrier adapts message headers to a propagation.TextMapCarrier.
// Only string values are visible to the propagator.
type HeaderCarrier map[string]any

func (c HeaderCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectHeaders writes the trace context of ctx into headers, allocating
// them when nil, and returns the result.
func InjectHeaders(ctx context.Context, headers map[string]any) map[string]any {
	if headers == nil {
		headers = make(map[string]any)
	}
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(headers))
	return headers
}

// ExtractHeaders returns ctx enriched with the trace context found in headers.
func ExtractHeaders(ctx context.Context, headers map[string]any) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(headers))
}
