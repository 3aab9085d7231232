package redpanda

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/propagation"
)

var propagator = propagation.TraceContext{}

// headerCarrier adapts record headers to the otel text map carrier
type headerCarrier struct {
	record *kgo.Record
}

func (c headerCarrier) Get(key string) string {
	for _, h := range c.record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range c.record.Headers {
		if h.Key == key {
			c.record.Headers[i].Value = []byte(value)
			return
		}
	}
	c.record.Headers = append(c.record.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.record.Headers))
	for _, h := range c.record.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

// injectTraceHeaders writes the W3C traceparent of ctx into the record
func injectTraceHeaders(ctx context.Context, record *kgo.Record) {
	propagator.Inject(ctx, headerCarrier{record})
}

// extractTraceContext continues the producer's trace on the consumer side
func extractTraceContext(ctx context.Context, record *kgo.Record) context.Context {
	return propagator.Extract(ctx, headerCarrier{record})
}
