package redpanda

import (
	"context"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceHeadersRoundTrip(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Topic: TopicPrintRequests}
	injectTraceHeaders(ctx, record)

	want := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	if got := (headerCarrier{record}).Get("traceparent"); got != want {
		t.Fatalf("traceparent = %q, want %q", got, want)
	}

	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	if got.TraceID() != traceID || got.SpanID() != spanID {
		t.Errorf("extracted %s/%s", got.TraceID(), got.SpanID())
	}
	if !got.IsRemote() {
		t.Error("extracted span context should be remote")
	}
}

func TestHeaderCarrierSetReplaces(t *testing.T) {
	record := &kgo.Record{}
	c := headerCarrier{record}
	c.Set("correlation_id", "a")
	c.Set("correlation_id", "b")
	if len(record.Headers) != 1 || c.Get("correlation_id") != "b" {
		t.Errorf("headers = %+v", record.Headers)
	}
	if keys := c.Keys(); len(keys) != 1 || keys[0] != "correlation_id" {
		t.Errorf("keys = %v", keys)
	}
}

func TestDefaultTopicsCoverServices(t *testing.T) {
	want := map[string]bool{
		TopicPrescriptionSnapshots: false,
		TopicPrintRequests:         false,
		TopicPrintResults:          false,
		TopicAuditTrail:            false,
		TopicDeadLetter:            false,
	}
	for _, cfg := range DefaultTopicConfigs() {
		if _, ok := want[cfg.Name]; !ok {
			t.Errorf("unexpected topic %s", cfg.Name)
		}
		want[cfg.Name] = true
		if cfg.Configs["retention.ms"] == nil {
			t.Errorf("%s has no retention", cfg.Name)
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("missing topic %s", name)
		}
	}
}
