package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-rxlayout/internal/binding"
	"github.com/drfirst/go-rxlayout/internal/domain/prescription"
	"github.com/drfirst/go-rxlayout/internal/infrastructure/locking"
	"github.com/drfirst/go-rxlayout/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxlayout/internal/layout"
	"github.com/drfirst/go-rxlayout/internal/printing"
	"github.com/drfirst/go-rxlayout/internal/snapshot"
	"github.com/drfirst/go-rxlayout/internal/validation"
	"github.com/drfirst/go-rxlayout/pkg/idempotency"
)

type memLayouts struct {
	mu      sync.Mutex
	layouts map[string]layout.Layout
}

func newMemLayouts() *memLayouts {
	return &memLayouts{layouts: map[string]layout.Layout{}}
}

func (m *memLayouts) Create(_ context.Context, l *layout.Layout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layouts[l.ID] = l.Clone()
	return nil
}

func (m *memLayouts) Get(_ context.Context, id string) (*layout.Layout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.layouts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", layout.ErrLayoutNotFound, id)
	}
	c := l.Clone()
	return &c, nil
}

func (m *memLayouts) Update(_ context.Context, l *layout.Layout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.layouts[l.ID]; !ok {
		return layout.ErrLayoutNotFound
	}
	m.layouts[l.ID] = l.Clone()
	return nil
}

func (m *memLayouts) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.layouts[id]; !ok {
		return layout.ErrLayoutNotFound
	}
	delete(m.layouts, id)
	return nil
}

func (m *memLayouts) List(_ context.Context, limit int) ([]postgres.LayoutSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []postgres.LayoutSummary{}
	for _, l := range m.layouts {
		out = append(out, postgres.LayoutSummary{ID: l.ID, Name: l.Name, Orientation: l.Orientation})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type queued struct {
	topic, key, eventType string
	payload               interface{}
}

type memSnapshots struct {
	mu     sync.Mutex
	snaps  map[string]*snapshot.Snapshot
	events map[string][]*prescription.Event
	queue  []queued
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{
		snaps:  map[string]*snapshot.Snapshot{},
		events: map[string][]*prescription.Event{},
	}
}

func (m *memSnapshots) Issue(_ context.Context, snap *snapshot.Snapshot, agg *prescription.Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snaps[snap.PrescriptionID]; ok {
		return snapshot.ErrSnapshotExists
	}
	m.snaps[snap.PrescriptionID] = snap
	m.events[agg.ID()] = append(m.events[agg.ID()], agg.Changes()...)
	agg.ClearChanges()
	return nil
}

func (m *memSnapshots) Get(_ context.Context, id string) (*snapshot.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[id]
	if !ok {
		return nil, snapshot.ErrSnapshotNotFound
	}
	return s, nil
}

func (m *memSnapshots) Document(_ context.Context, id string) (*prescription.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[id]
	if len(events) == 0 {
		return nil, prescription.ErrAggregateNotFound
	}
	agg := prescription.NewAggregate(id)
	agg.LoadFromHistory(events)
	return agg, nil
}

func (m *memSnapshots) Append(_ context.Context, agg *prescription.Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[agg.ID()] = append(m.events[agg.ID()], agg.Changes()...)
	agg.ClearChanges()
	return nil
}

func (m *memSnapshots) Void(_ context.Context, agg *prescription.Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, agg.ID())
	m.events[agg.ID()] = append(m.events[agg.ID()], agg.Changes()...)
	agg.ClearChanges()
	return nil
}

func (m *memSnapshots) Events(_ context.Context, id string) ([]*prescription.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[id], nil
}

func (m *memSnapshots) RecentEvents(_ context.Context, eventType prescription.EventType, limit int) ([]*prescription.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*prescription.Event
	for _, events := range m.events {
		for _, e := range events {
			if e.EventType == eventType && len(out) < limit {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (m *memSnapshots) Enqueue(_ context.Context, topic, key, eventType string, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, queued{topic, key, eventType, payload})
	return nil
}

func (m *memSnapshots) eventTypes(id string) []prescription.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []prescription.EventType
	for _, e := range m.events[id] {
		out = append(out, e.EventType)
	}
	return out
}

type memInbox struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
}

func (m *memInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.results[key]; ok {
		return &idempotency.ProcessResult{Result: res}, nil
	}
	res, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	if m.results == nil {
		m.results = map[string]json.RawMessage{}
	}
	m.results[key] = res
	return &idempotency.ProcessResult{IsNew: true, Result: res}, nil
}

type memArtifacts struct {
	deleted []string
}

func (m *memArtifacts) DeletePrescription(_ context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

type fixture struct {
	router    chi.Router
	layouts   *memLayouts
	snapshots *memSnapshots
	locker    *locking.LocalLocker
	artifacts *memArtifacts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		layouts:   newMemLayouts(),
		snapshots: newMemSnapshots(),
		locker:    locking.NewLocalLocker(),
		artifacts: &memArtifacts{},
	}
	manager := snapshot.NewManager(nil, nil, nil)
	printer := printing.NewPrinter(printing.DefaultConfig(), manager, nil, nil, nil)

	lh := NewLayoutHandler(f.layouts, printer, nil, nil, nil)
	ph := NewPrescriptionHandler(DefaultPrescriptionConfig(), PrescriptionDeps{
		Layouts:   f.layouts,
		Snapshots: f.snapshots,
		Manager:   manager,
		Printer:   printer,
		Locker:    f.locker,
		Inbox:     &memInbox{},
		Artifacts: f.artifacts,
	}, nil)

	r := chi.NewRouter()
	r.Mount("/templates", lh.TemplateRoutes())
	r.Mount("/layouts", lh.Routes())
	r.Mount("/prescriptions", ph.Routes())
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func classic(t *testing.T) *layout.Layout {
	t.Helper()
	tpl, ok := layout.LookupTemplate("classic-landscape")
	if !ok {
		t.Fatal("classic-landscape missing")
	}
	return tpl.Layout
}

func issueBody(id string) IssueRequest {
	return IssueRequest{
		Template: "classic-landscape",
		Prescription: binding.Prescription{
			ID:          id,
			PatientID:   "pt-1",
			PatientName: "Ana Pérez",
			Medications: []binding.Medication{{Name: "Amoxicilina", Dosage: "500 mg", Frequency: "cada 8 h", Duration: "7 días"}},
		},
		Doctor: binding.Doctor{Name: "Luis Ruiz", License: "123"},
	}
}

func TestTemplates(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/templates", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var templates []layout.Template
	if err := json.Unmarshal(rec.Body.Bytes(), &templates); err != nil || len(templates) != 3 {
		t.Fatalf("templates = %d, err = %v", len(templates), err)
	}

	if rec := f.do(t, http.MethodGet, "/templates/modern-portrait", nil); rec.Code != http.StatusOK {
		t.Errorf("get template status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/templates/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown template status = %d", rec.Code)
	}
}

func TestLayoutCRUD(t *testing.T) {
	f := newFixture(t)
	l := layout.New("Mi receta", layout.PageLetter, layout.Portrait)
	l.ID = ""

	rec := f.do(t, http.MethodPost, "/layouts", l)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	var created layout.Layout
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.ID == "" {
		t.Fatal("created layout has no id")
	}

	created.Name = "Renamed"
	if rec := f.do(t, http.MethodPut, "/layouts/"+created.ID, created); rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body)
	}
	rec = f.do(t, http.MethodGet, "/layouts/"+created.ID, nil)
	var got layout.Layout
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Name != "Renamed" {
		t.Errorf("name = %q after update", got.Name)
	}

	rec = f.do(t, http.MethodGet, "/layouts?limit=10", nil)
	var list []postgres.LayoutSummary
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Errorf("list = %+v", list)
	}

	if rec := f.do(t, http.MethodDelete, "/layouts/"+created.ID, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/layouts/"+created.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPut, "/layouts/missing", created); rec.Code != http.StatusNotFound {
		t.Errorf("update missing status = %d", rec.Code)
	}
}

func TestCreateLayoutRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	bad := layout.New("x", layout.PageA4, layout.Portrait)
	bad.Elements = []layout.Element{{ID: "e1", Type: "hologram"}}
	if rec := f.do(t, http.MethodPost, "/layouts", bad); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown element type status = %d", rec.Code)
	}

	unnamed := layout.New("", layout.PageA4, layout.Portrait)
	if rec := f.do(t, http.MethodPost, "/layouts", unnamed); rec.Code != http.StatusBadRequest {
		t.Errorf("unnamed layout status = %d", rec.Code)
	}

	hostile := classic(t)
	hostile.Elements[0].Style.FontFamily = `Arial"/><script>alert(2)</script>`
	if rec := f.do(t, http.MethodPost, "/layouts", hostile); rec.Code != http.StatusBadRequest {
		t.Errorf("markup in font family status = %d", rec.Code)
	}
	hostile = classic(t)
	hostile.CanvasSettings.BackgroundColor = "#fff;background:url(x)"
	if rec := f.do(t, http.MethodPost, "/layouts/render?format=svg", RenderRequest{Layout: *hostile}); rec.Code != http.StatusBadRequest {
		t.Errorf("declaration in background status = %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/layouts?template=compact-landscape", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create from template status = %d", rec.Code)
	}
	var fromTemplate layout.Layout
	json.Unmarshal(rec.Body.Bytes(), &fromTemplate)
	if fromTemplate.ID == "compact-landscape" || len(fromTemplate.Elements) == 0 {
		t.Errorf("template copy = %s with %d elements", fromTemplate.ID, len(fromTemplate.Elements))
	}
}

func TestValidateLayout(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/layouts/validate", classic(t))
	var report validation.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !report.Valid || report.Errors != 0 {
		t.Errorf("classic template report = %+v", report)
	}

	empty := layout.New("vacía", layout.PageA4, layout.Landscape)
	rec = f.do(t, http.MethodPost, "/layouts/validate", empty)
	json.Unmarshal(rec.Body.Bytes(), &report)
	if report.Valid {
		t.Error("empty layout should not be valid")
	}
}

func TestRenderLayout(t *testing.T) {
	f := newFixture(t)
	rx := issueBody("rx-1").Prescription
	body := RenderRequest{
		Layout:       *classic(t),
		Prescription: &rx,
		Bindings:     binding.Context{binding.KeyClinicName: "Clínica Norte"},
	}

	rec := f.do(t, http.MethodPost, "/layouts/render?target=print&format=svg", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("content type = %q", ct)
	}
	out := rec.Body.String()
	if !strings.Contains(out, "Ana Pérez") || !strings.Contains(out, "Clínica Norte") {
		t.Error("rendered svg is missing bound values")
	}

	if rec := f.do(t, http.MethodPost, "/layouts/render?format=docx", body); rec.Code != http.StatusBadRequest {
		t.Errorf("bad format status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/layouts/render?target=poster", body); rec.Code != http.StatusBadRequest {
		t.Errorf("bad target status = %d", rec.Code)
	}
}

func TestIssueSnapshotAndReprint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/prescriptions/rx-1/issue", issueBody("rx-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue status = %d: %s", rec.Code, rec.Body)
	}
	var summary snapshot.Summary
	json.Unmarshal(rec.Body.Bytes(), &summary)
	if summary.PrescriptionID != "rx-1" || summary.Checksum == "" {
		t.Fatalf("summary = %+v", summary)
	}

	if rec := f.do(t, http.MethodPost, "/prescriptions/rx-1/issue", issueBody("rx-1")); rec.Code != http.StatusConflict {
		t.Errorf("second issue status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/prescriptions/rx-1/snapshot", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/prescriptions/rx-404/snapshot", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown snapshot status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/prescriptions/rx-1/reprint?format=html", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reprint status = %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "Ana Pérez") {
		t.Error("reprint lost the patient name")
	}
	if rec.Header().Get("X-Snapshot-Checksum") != summary.Checksum {
		t.Error("reprint checksum header mismatch")
	}
	if rec := f.do(t, http.MethodGet, "/prescriptions/rx-1/reprint?format=pdf", nil); rec.Code != http.StatusNotImplemented {
		t.Errorf("pdf without exporter status = %d", rec.Code)
	}

	want := []prescription.EventType{prescription.EventPrescriptionIssued, prescription.EventPrescriptionReprinted}
	got := f.snapshots.eventTypes("rx-1")
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}

	rec = f.do(t, http.MethodGet, "/prescriptions/rx-1/events", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("events status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/prescriptions/events?type=PrescriptionReprinted", nil)
	var recent []prescription.Event
	json.Unmarshal(rec.Body.Bytes(), &recent)
	if len(recent) != 1 {
		t.Errorf("recent reprints = %d, want 1", len(recent))
	}
}

func TestReprintIgnoresLiveLayoutEdits(t *testing.T) {
	f := newFixture(t)
	l := classic(t)
	l.ID = "custom"
	f.layouts.Create(context.Background(), l)

	body := issueBody("rx-2")
	body.Template = ""
	body.LayoutID = "custom"
	if rec := f.do(t, http.MethodPost, "/prescriptions/rx-2/issue", body); rec.Code != http.StatusCreated {
		t.Fatalf("issue status = %d: %s", rec.Code, rec.Body)
	}

	if err := l.RemoveElement("patient"); err != nil {
		t.Fatalf("RemoveElement: %v", err)
	}
	f.layouts.Update(context.Background(), l)

	rec := f.do(t, http.MethodGet, "/prescriptions/rx-2/reprint?format=svg", nil)
	if !strings.Contains(rec.Body.String(), "Paciente: Ana Pérez") {
		t.Error("reprint changed after the live layout was edited")
	}
}

func TestIssueRefusals(t *testing.T) {
	f := newFixture(t)
	bare := layout.New("sin datos", layout.PageA4, layout.Landscape)
	bare.ID = "bare"
	bare.AddElement(layout.Element{Type: layout.ElementText, Size: layout.DefaultSize(layout.ElementText), Content: "hola", IsVisible: true})
	f.layouts.Create(context.Background(), bare)

	blocked := issueBody("rx-3")
	blocked.Template = ""
	blocked.LayoutID = "bare"
	rec := f.do(t, http.MethodPost, "/prescriptions/rx-3/issue", blocked)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blocked status = %d: %s", rec.Code, rec.Body)
	}
	var ie IssueError
	json.Unmarshal(rec.Body.Bytes(), &ie)
	if len(ie.Findings) == 0 {
		t.Error("422 response has no findings")
	}
	if _, err := f.snapshots.Get(context.Background(), "rx-3"); err == nil {
		t.Error("blocked issuance stored a snapshot")
	}

	tests := []struct {
		name   string
		path   string
		mutate func(*IssueRequest)
		status int
	}{
		{"id mismatch", "/prescriptions/rx-9/issue", func(r *IssueRequest) {}, http.StatusBadRequest},
		{"no layout", "/prescriptions/rx-4/issue", func(r *IssueRequest) { r.Template = "" }, http.StatusBadRequest},
		{"both layouts", "/prescriptions/rx-4/issue", func(r *IssueRequest) { r.LayoutID = "bare" }, http.StatusBadRequest},
		{"missing patient", "/prescriptions/rx-4/issue", func(r *IssueRequest) { r.Prescription.PatientName = "" }, http.StatusBadRequest},
		{"unknown layout", "/prescriptions/rx-4/issue", func(r *IssueRequest) { r.Template = ""; r.LayoutID = "nope" }, http.StatusNotFound},
		{"unknown template", "/prescriptions/rx-4/issue", func(r *IssueRequest) { r.Template = "nope" }, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := issueBody("rx-4")
			tt.mutate(&body)
			if rec := f.do(t, http.MethodPost, tt.path, body); rec.Code != tt.status {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
		})
	}
}

func TestIssueWhileLocked(t *testing.T) {
	f := newFixture(t)
	lock, err := f.locker.Obtain(context.Background(), "issue:rx-5", time.Minute)
	if err != nil {
		t.Fatalf("Obtain: %v", err)
	}

	if rec := f.do(t, http.MethodPost, "/prescriptions/rx-5/issue", issueBody("rx-5")); rec.Code != http.StatusConflict {
		t.Errorf("locked status = %d", rec.Code)
	}
	lock.Release(context.Background())
	if rec := f.do(t, http.MethodPost, "/prescriptions/rx-5/issue", issueBody("rx-5")); rec.Code != http.StatusCreated {
		t.Errorf("after release status = %d", rec.Code)
	}
}

func TestIssueIdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t)

	first := f.do(t, http.MethodPost, "/prescriptions/rx-6/issue", issueBody("rx-6"), "Idempotency-Key", "k-1")
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d: %s", first.Code, first.Body)
	}
	second := f.do(t, http.MethodPost, "/prescriptions/rx-6/issue", issueBody("rx-6"), "Idempotency-Key", "k-1")
	if second.Code != http.StatusOK {
		t.Fatalf("replay status = %d: %s", second.Code, second.Body)
	}
	if first.Body.String() != second.Body.String() {
		t.Error("replay returned a different summary")
	}
}

func TestPrintQueuesJob(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/prescriptions/rx-7/issue", issueBody("rx-7"))

	rec := f.do(t, http.MethodPost, "/prescriptions/rx-7/print", PrintRequest{Format: printing.FormatPDF})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("print status = %d: %s", rec.Code, rec.Body)
	}
	if len(f.snapshots.queue) != 1 || f.snapshots.queue[0].topic != "print.requests" || f.snapshots.queue[0].key != "rx-7" {
		t.Fatalf("queue = %+v", f.snapshots.queue)
	}
	job, ok := f.snapshots.queue[0].payload.(printing.Request)
	if !ok || job.Format != printing.FormatPDF {
		t.Errorf("payload = %+v", f.snapshots.queue[0].payload)
	}

	if rec := f.do(t, http.MethodPost, "/prescriptions/rx-404/print", PrintRequest{Format: printing.FormatPDF}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown prescription status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/prescriptions/rx-7/print", PrintRequest{Format: printing.FormatJSON}); rec.Code != http.StatusBadRequest {
		t.Errorf("json print status = %d", rec.Code)
	}
}

func TestVoidCollectsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/prescriptions/rx-8/issue", issueBody("rx-8"))

	if rec := f.do(t, http.MethodDelete, "/prescriptions/rx-8?reason=error", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("void status = %d: %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, http.MethodGet, "/prescriptions/rx-8/snapshot", nil); rec.Code != http.StatusNotFound {
		t.Errorf("snapshot after void status = %d", rec.Code)
	}
	if len(f.artifacts.deleted) != 1 || f.artifacts.deleted[0] != "rx-8" {
		t.Errorf("artifacts deleted = %v", f.artifacts.deleted)
	}
	if rec := f.do(t, http.MethodDelete, "/prescriptions/rx-8", nil); rec.Code != http.StatusConflict {
		t.Errorf("second void status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/prescriptions/rx-404", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown void status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/prescriptions/rx-8/issue", issueBody("rx-8")); rec.Code != http.StatusConflict {
		t.Errorf("issue after void status = %d", rec.Code)
	}
}

func TestReadiness(t *testing.T) {
	h := NewHealthHandler("layout-api", map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return fmt.Errorf("connection refused") },
	}, nil)

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("body = %s", rec.Body)
	}

	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}
