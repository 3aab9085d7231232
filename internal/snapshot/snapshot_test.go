package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/go-rxlayout/internal/binding"
	"github.com/drfirst/go-rxlayout/internal/geometry"
	"github.com/drfirst/go-rxlayout/internal/layout"
	"github.com/drfirst/go-rxlayout/internal/render"
	"github.com/drfirst/go-rxlayout/internal/verification"
)

var issuedAt = time.Date(2026, 3, 9, 14, 5, 0, 0, time.UTC)

func prescription() binding.Prescription {
	return binding.Prescription{
		ID:          "rx-1",
		PatientID:   "pt-1",
		PatientName: "Ana",
		Medications: []binding.Medication{{Name: "Amoxicilina", Dosage: "500 mg", Frequency: "cada 8 h", Duration: "7 días"}},
	}
}

func bindings() binding.Context {
	return binding.Build(prescription(), binding.Doctor{Name: "Luis Ruiz", License: "123"}, time.Time{})
}

func newManager() *Manager {
	return NewManager(verification.NewBuilder(verification.DefaultConfig(), nil), render.FixedClock(issuedAt), nil)
}

func classic(t *testing.T) *layout.Layout {
	t.Helper()
	tpl, ok := layout.LookupTemplate("classic-landscape")
	if !ok {
		t.Fatal("classic-landscape missing")
	}
	return tpl.Layout
}

func nodeText(doc render.Document) string {
	var b strings.Builder
	for _, n := range doc.Nodes {
		b.WriteString(n.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

func TestReprintSurvivesLiveLayoutEdits(t *testing.T) {
	l := classic(t)
	m := newManager()

	snap, err := m.Issue(context.Background(), l, prescription(), bindings())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := l.RemoveElement("patient"); err != nil {
		t.Fatalf("RemoveElement: %v", err)
	}

	doc, err := m.Reprint(context.Background(), snap)
	if err != nil {
		t.Fatalf("Reprint: %v", err)
	}
	if !strings.Contains(nodeText(doc), "Paciente: Ana") {
		t.Errorf("reprint lost patient name:\n%s", nodeText(doc))
	}
}

func TestReprintMatchesRenderAtIssuance(t *testing.T) {
	l := classic(t)
	m := newManager()
	ctx := bindings()

	snap, err := m.Issue(context.Background(), l, prescription(), ctx)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	live, err := render.Render(l, ctx, render.TargetPrint, render.Options{
		Clock:   render.FixedClock(issuedAt),
		QRImage: snap.QRImage,
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	// mutate everything the snapshot could have shared
	l.Elements[0].Content = "changed"
	l.CanvasSettings.CanvasSize.Width = 10
	ctx[binding.KeyPatientName] = "Eva"

	replayed, err := m.Reprint(context.Background(), snap)
	if err != nil {
		t.Fatalf("Reprint: %v", err)
	}
	if !reflect.DeepEqual(live, replayed) {
		t.Errorf("reprint differs from render at issuance\nlive:     %+v\nreprint:  %+v", live, replayed)
	}
}

func TestReprintKeepsTokensInsideBoundValues(t *testing.T) {
	l := classic(t)
	m := newManager()
	rx := prescription()
	rx.PatientName = "Ana {{time}}"
	rx.Diagnosis = "control {{date}}"
	ctx := binding.Build(rx, binding.Doctor{Name: "Luis Ruiz", License: "123"}, time.Time{})

	snap, err := m.Issue(context.Background(), l, rx, ctx)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	live, err := render.Render(l, ctx, render.TargetPrint, render.Options{
		Clock:   render.FixedClock(issuedAt),
		QRImage: snap.QRImage,
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	replayed, err := m.Reprint(context.Background(), snap)
	if err != nil {
		t.Fatalf("Reprint: %v", err)
	}

	want := map[string]string{
		"patient":   "Paciente: Ana {{time}}",
		"diagnosis": "Diagnóstico: control {{date}}",
	}
	for _, n := range replayed.Nodes {
		if w, ok := want[n.ElementID]; ok && n.Text != w {
			t.Errorf("reprint node %s = %q, want %q", n.ElementID, n.Text, w)
		}
	}
	if !reflect.DeepEqual(live, replayed) {
		t.Errorf("reprint differs from render at issuance\nlive:     %+v\nreprint:  %+v", live, replayed)
	}
}

func TestIssueFreezesResolvedContent(t *testing.T) {
	snap, err := newManager().Issue(context.Background(), classic(t), prescription(), bindings())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	for _, e := range snap.Elements {
		if e.ID == "patient" && e.Content != "Paciente: Ana" {
			t.Errorf("patient content = %q", e.Content)
		}
		if e.ID == "qr" && e.Content != "QR" {
			t.Errorf("qr content = %q", e.Content)
		}
	}
	if snap.Bindings[binding.KeyDate] != "09/03/2026" {
		t.Errorf("frozen date = %q", snap.Bindings[binding.KeyDate])
	}
	if len(snap.QRImage) == 0 || snap.PayloadDigest == "" || snap.QRFault != "" {
		t.Errorf("qr not built: fault=%q", snap.QRFault)
	}
	p, err := verification.Decode([]byte(snap.Payload))
	if err != nil || p.PrescriptionID != "rx-1" {
		t.Errorf("payload = %+v, %v", p, err)
	}
}

func TestIssueRefusesBlockingFindings(t *testing.T) {
	l := layout.New("incomplete", layout.PageA4, layout.Portrait)
	_, err := newManager().Issue(context.Background(), l, prescription(), bindings())

	var blocked *BlockedError
	if !errors.As(err, &blocked) || !errors.Is(err, ErrBlocked) {
		t.Fatalf("err = %v, want *BlockedError", err)
	}
	if len(blocked.Findings) != 3 {
		t.Errorf("findings = %+v, want patient, doctor and medications", blocked.Findings)
	}
}

func TestQRFaultDoesNotBlockIssuance(t *testing.T) {
	tiny := verification.NewBuilder(verification.Config{MaxPayloadBytes: 8}, nil)
	m := NewManager(tiny, render.FixedClock(issuedAt), nil)

	snap, err := m.Issue(context.Background(), classic(t), prescription(), bindings())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if snap.QRFault == "" || len(snap.QRImage) != 0 {
		t.Errorf("expected a recorded QR fault, got %+v", snap.Summarize())
	}

	doc, err := m.Reprint(context.Background(), snap)
	if err != nil {
		t.Fatalf("Reprint: %v", err)
	}
	for _, n := range doc.Nodes {
		if n.ElementID == "qr" && (n.Kind != render.KindPlaceholder || n.Text != render.QRPlaceholder) {
			t.Errorf("qr node = %+v, want placeholder", n)
		}
	}
}

func TestChecksumDetectsTampering(t *testing.T) {
	m := newManager()
	snap, err := m.Issue(context.Background(), classic(t), prescription(), bindings())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var restored Snapshot
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if err := Verify(&restored); err != nil {
		t.Fatalf("round-tripped snapshot fails verification: %v", err)
	}

	restored.Bindings[binding.KeyPatientName] = "Eva"
	if _, err := m.Reprint(context.Background(), &restored); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Reprint err = %v, want ErrChecksumMismatch", err)
	}
}

func TestIssueHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newManager().Issue(ctx, classic(t), prescription(), bindings()); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestQRBoxUsesFirstVisibleInPaintOrder(t *testing.T) {
	elements := []layout.Element{
		{ID: "a", Type: layout.ElementQR, ZIndex: 3, IsVisible: true, Size: geometry.Size{Width: 150, Height: 150}},
		{ID: "b", Type: layout.ElementQR, ZIndex: 1, IsVisible: true, Size: geometry.Size{Width: 90, Height: 90}},
	}
	if got := QRBox(elements); got != (geometry.Size{Width: 90, Height: 90}) {
		t.Errorf("QRBox = %+v, want 90x90", got)
	}
	elements[1].IsVisible = false
	if got := QRBox(elements); got != (geometry.Size{Width: 150, Height: 150}) {
		t.Errorf("QRBox with b hidden = %+v, want 150x150", got)
	}
	if got := QRBox(nil); got != DefaultQRBox {
		t.Errorf("QRBox(nil) = %+v, want default", got)
	}
}
