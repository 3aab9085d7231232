package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

type capture struct {
	topic, key string
	value      []byte
	err        error
}

func (c *capture) Publish(_ context.Context, topic, key string, value []byte) error {
	c.topic, c.key, c.value = topic, key, value
	return c.err
}

func TestPoisonWrapsCause(t *testing.T) {
	cause := errors.New("bad json")
	err := Poison(cause)
	if !errors.Is(err, ErrPoison) || !errors.Is(err, cause) {
		t.Errorf("Poison(%v) = %v, want both ErrPoison and cause", cause, err)
	}
}

func TestForwardPoison(t *testing.T) {
	pub := &capture{}
	c := &Consumer{config: DefaultConsumerConfig(), logger: zap.NewNop()}
	c.SetDeadLetter(pub)

	msg := messageOf(&kgo.Record{
		Topic:     TopicPrintRequests,
		Partition: 2,
		Offset:    41,
		Key:       []byte("rx-1"),
		Value:     []byte("{not json"),
		Headers:   []kgo.RecordHeader{{Key: "traceparent", Value: []byte("00-abc")}},
		Timestamp: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
	})
	if err := c.forwardPoison(context.Background(), msg, Poison(errors.New("bad json"))); err != nil {
		t.Fatalf("forwardPoison: %v", err)
	}
	if pub.topic != TopicDeadLetter || pub.key != "rx-1" {
		t.Errorf("published to %s/%s", pub.topic, pub.key)
	}

	var rec PoisonRecord
	if err := json.Unmarshal(pub.value, &rec); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if rec.Topic != TopicPrintRequests || rec.Offset != 41 || rec.Value != "{not json" {
		t.Errorf("dead letter = %+v", rec)
	}
	if rec.Headers["traceparent"] != "00-abc" {
		t.Errorf("headers = %v", rec.Headers)
	}

	pub.err = errors.New("broker down")
	if err := c.forwardPoison(context.Background(), msg, ErrPoison); err == nil {
		t.Error("publish failure was swallowed")
	}
}

func TestForwardPoisonWithoutPublisherDrops(t *testing.T) {
	c := &Consumer{config: DefaultConsumerConfig(), logger: zap.NewNop()}
	msg := messageOf(&kgo.Record{Topic: TopicPrintRequests})
	if err := c.forwardPoison(context.Background(), msg, ErrPoison); err != nil {
		t.Errorf("forwardPoison without publisher: %v", err)
	}
}
