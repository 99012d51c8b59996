package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
)

// NATSCarrier implements propagation.TextMapCarrier over a plain
// string map so a trace context can ride along in a NATS message
// header, adapted from
// station/internal/workflows/runtime/telemetry.go's NATSTraceCarrier.
type NATSCarrier struct {
	headers map[string]string
}

// NewNATSCarrier returns an empty carrier, ready for Inject.
func NewNATSCarrier() *NATSCarrier {
	return &NATSCarrier{headers: make(map[string]string)}
}

// NewNATSCarrierFromHeaders wraps an already-received header map,
// ready for Extract.
func NewNATSCarrierFromHeaders(headers map[string]string) *NATSCarrier {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &NATSCarrier{headers: headers}
}

func (c *NATSCarrier) Get(key string) string { return c.headers[key] }

func (c *NATSCarrier) Set(key, value string) { c.headers[key] = value }

func (c *NATSCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for k := range c.headers {
		keys = append(keys, k)
	}
	return keys
}

// Headers exposes the underlying map so a caller can copy it into a
// nats.Msg's Header field.
func (c *NATSCarrier) Headers() map[string]string { return c.headers }

// Inject stamps ctx's trace context into carrier.
func Inject(ctx context.Context, carrier *NATSCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// Extract recovers a trace context previously stamped by Inject.
func Extract(ctx context.Context, carrier *NATSCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
