package postgres

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewOutboxFillsDefaults(t *testing.T) {
	o := NewOutbox(nil, nil, OutboxConfig{LockID: 7}, nil)
	def := DefaultOutboxConfig()
	if o.config.BatchSize != def.BatchSize || o.config.MaxRetries != def.MaxRetries {
		t.Errorf("config = %+v", o.config)
	}
	if o.config.DeadLetterTopic != "dead.letter" {
		t.Errorf("dead letter topic = %q", o.config.DeadLetterTopic)
	}
	if o.config.LockID != 7 {
		t.Errorf("lock id overwritten: %d", o.config.LockID)
	}
}

func TestDeadLetterOf(t *testing.T) {
	lastErr := "broker unavailable"
	created := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	entry := &OutboxEntry{
		AggregateID: "rx-1",
		EventType:   "PrescriptionIssued",
		Payload:     json.RawMessage(`{"snapshotId":"s-1"}`),
		KafkaTopic:  "prescription.snapshots",
		KafkaKey:    "rx-1",
		CreatedAt:   created,
		RetryCount:  5,
		LastError:   &lastErr,
	}

	raw, err := json.Marshal(deadLetterOf(entry))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["original_topic"] != "prescription.snapshots" || got["prescription_id"] != "rx-1" {
		t.Errorf("dead letter = %s", raw)
	}
	if got["last_error"] != lastErr || got["retry_count"] != float64(5) {
		t.Errorf("dead letter = %s", raw)
	}
	if payload, _ := got["payload"].(map[string]any); payload["snapshotId"] != "s-1" {
		t.Errorf("payload not embedded as json: %s", raw)
	}

	entry.LastError = nil
	if dl := deadLetterOf(entry); dl.LastError != "" {
		t.Errorf("last error = %q", dl.LastError)
	}
}
