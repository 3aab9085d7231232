package printing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-rxlayout/internal/domain/prescription"
	"github.com/drfirst/go-rxlayout/internal/observability/metrics"
	"github.com/drfirst/go-rxlayout/internal/snapshot"
	"github.com/drfirst/go-rxlayout/pkg/workerpool"
)

type memSnapshots struct {
	mu       sync.Mutex
	snaps    map[string]*snapshot.Snapshot
	docs     map[string]*prescription.Aggregate
	appended []*prescription.Event
}

func newMemSnapshots(t *testing.T, snap *snapshot.Snapshot) *memSnapshots {
	t.Helper()
	agg := prescription.NewAggregate(snap.PrescriptionID)
	if err := agg.Issue(&prescription.IssuedData{
		PrescriptionID: snap.PrescriptionID,
		SnapshotID:     snap.ID,
		LayoutID:       snap.LayoutID,
		Checksum:       snap.Checksum,
		IssuedAt:       snap.IssuedAt,
	}, "issue-1"); err != nil {
		t.Fatalf("Issue aggregate: %v", err)
	}
	agg.ClearChanges()
	return &memSnapshots{
		snaps: map[string]*snapshot.Snapshot{snap.PrescriptionID: snap},
		docs:  map[string]*prescription.Aggregate{snap.PrescriptionID: agg},
	}
}

func (m *memSnapshots) Get(_ context.Context, id string) (*snapshot.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", snapshot.ErrSnapshotNotFound, id)
	}
	return s, nil
}

func (m *memSnapshots) Document(_ context.Context, id string) (*prescription.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agg, ok := m.docs[id]
	if !ok {
		return nil, prescription.ErrAggregateNotFound
	}
	return agg, nil
}

func (m *memSnapshots) Append(_ context.Context, agg *prescription.Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended = append(m.appended, agg.Changes()...)
	agg.ClearChanges()
	return nil
}

type memStore struct {
	mu      sync.Mutex
	fail    int
	objects map[string][]byte
}

func (s *memStore) Put(_ context.Context, rxID, snapID, format string, data []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return "", errors.New("minio unavailable")
	}
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	key := "printed/" + rxID + "/" + snapID + "." + format
	s.objects[key] = data
	return key, nil
}

type memPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (p *memPublisher) Publish(_ context.Context, topic, _ string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.messages == nil {
		p.messages = map[string][][]byte{}
	}
	p.messages[topic] = append(p.messages[topic], value)
	return nil
}

func (p *memPublisher) results(t *testing.T) []Result {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Result
	for _, raw := range p.messages["print.results"] {
		var r Result
		if err := json.Unmarshal(raw, &r); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func TestHandleUploadsAndRecordsReprint(t *testing.T) {
	m := newManager()
	snap := issue(t, m)
	src := newMemSnapshots(t, snap)
	store := &memStore{}
	w := NewWorker(DefaultWorkerConfig(), NewPrinter(DefaultConfig(), m, nil, nil, nil), src, store, nil, nil, nil, nil)

	res, err := w.Handle(context.Background(), Request{PrescriptionID: "rx-1", Format: FormatSVG, CorrelationID: "c-1"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != StatusCompleted || res.SnapshotID != snap.ID {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := store.objects[res.ArtifactKey]; !ok {
		t.Errorf("artifact %s not stored", res.ArtifactKey)
	}
	if len(src.appended) != 1 || src.appended[0].EventType != prescription.EventPrescriptionReprinted {
		t.Fatalf("appended = %+v, want one reprint event", src.appended)
	}
	if src.appended[0].CorrelationID != "c-1" {
		t.Errorf("correlation id = %q", src.appended[0].CorrelationID)
	}
	if src.docs["rx-1"].Reprints() != 1 {
		t.Errorf("reprints = %d, want 1", src.docs["rx-1"].Reprints())
	}
}

func TestHandlePermanentFailures(t *testing.T) {
	m := newManager()
	snap := issue(t, m)
	src := newMemSnapshots(t, snap)
	w := NewWorker(DefaultWorkerConfig(), NewPrinter(DefaultConfig(), m, nil, nil, nil), src, &memStore{}, nil, nil, nil, nil)

	tests := []struct {
		name string
		req  Request
	}{
		{"missing id", Request{Format: FormatSVG}},
		{"json is not printable", Request{PrescriptionID: "rx-1", Format: FormatJSON}},
		{"unknown prescription", Request{PrescriptionID: "rx-404", Format: FormatSVG}},
		{"pdf without exporter", Request{PrescriptionID: "rx-1", Format: FormatPDF}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := w.Handle(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Handle returned retryable error %v", err)
			}
			if res.Status != StatusFailed || res.Error == "" {
				t.Errorf("result = %+v, want failed with a reason", res)
			}
		})
	}
	if len(src.appended) != 0 {
		t.Errorf("failed jobs recorded %d events", len(src.appended))
	}
}

func TestHandleStorageOutageIsRetryable(t *testing.T) {
	m := newManager()
	snap := issue(t, m)
	w := NewWorker(DefaultWorkerConfig(), NewPrinter(DefaultConfig(), m, nil, nil, nil), newMemSnapshots(t, snap), &memStore{fail: 1}, nil, nil, nil, nil)

	if _, err := w.Handle(context.Background(), Request{PrescriptionID: "rx-1", Format: FormatHTML}); err == nil {
		t.Fatal("expected a retryable error")
	}
}

func TestRunRetriesAndPublishes(t *testing.T) {
	m := newManager()
	snap := issue(t, m)
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	pub := &memPublisher{}
	w := NewWorker(DefaultWorkerConfig(), NewPrinter(DefaultConfig(), m, nil, nil, nil), newMemSnapshots(t, snap), &memStore{fail: 1}, nil, pub, met, nil)

	pool, err := workerpool.New(workerpool.Config{Workers: 1, QueueSize: 4, MaxRetries: 2, RetryDelay: time.Millisecond}, w.Process, nil)
	if err != nil {
		t.Fatalf("workerpool.New: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	req, _ := json.Marshal(Request{PrescriptionID: "rx-1", Format: FormatSVG})
	if err := w.Run(context.Background(), pool, req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := w.Run(context.Background(), pool, []byte("{not json")); !errors.Is(err, ErrUndecodable) {
		t.Fatalf("Run with garbage err = %v, want ErrUndecodable", err)
	}

	results := pub.results(t)
	if len(results) != 1 || results[0].Status != StatusCompleted {
		t.Fatalf("published = %+v, want one completed result", results)
	}
	if got := testutil.ToFloat64(met.PrintJobs.WithLabelValues(string(StatusCompleted))); got != 1 {
		t.Errorf("completed jobs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(met.PrintJobs.WithLabelValues(string(StatusFailed))); got != 1 {
		t.Errorf("failed jobs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(met.Reprints.WithLabelValues("svg")); got != 1 {
		t.Errorf("reprints = %v, want 1", got)
	}
}

func TestRunPublishesExhaustedRetries(t *testing.T) {
	m := newManager()
	snap := issue(t, m)
	pub := &memPublisher{}
	w := NewWorker(DefaultWorkerConfig(), NewPrinter(DefaultConfig(), m, nil, nil, nil), newMemSnapshots(t, snap), &memStore{fail: 10}, nil, pub, nil, nil)

	pool, _ := workerpool.New(workerpool.Config{Workers: 1, QueueSize: 1, MaxRetries: 1, RetryDelay: time.Millisecond}, w.Process, nil)
	pool.Start()
	defer pool.Stop()

	req, _ := json.Marshal(Request{PrescriptionID: "rx-1", Format: FormatSVG, CorrelationID: "c-9"})
	if err := w.Run(context.Background(), pool, req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	results := pub.results(t)
	if len(results) != 1 || results[0].Status != StatusFailed || results[0].CorrelationID != "c-9" {
		t.Fatalf("published = %+v, want one failed result", results)
	}
}
