package verification

import (
	"bytes"
	"errors"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/go-rxlayout/internal/binding"
	"github.com/drfirst/go-rxlayout/internal/geometry"
)

func prescription() binding.Prescription {
	return binding.Prescription{
		ID:          "rx-42",
		PatientID:   "pt-7",
		PatientName: "Ana",
		Diagnosis:   "Faringitis estreptocócica",
		Medications: []binding.Medication{
			{Name: "Amoxicilina", Dosage: "500 mg", Frequency: "cada 8 h", Duration: "7 días", Instructions: "con alimentos"},
		},
		Signed: true,
	}
}

func TestPayloadOmitsDiagnosisAndInstructions(t *testing.T) {
	at := time.Date(2026, 3, 9, 14, 5, 30, 999, time.FixedZone("CST", -6*3600))
	data, err := NewPayload(prescription(), at).Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	if strings.Contains(s, "Faringitis") || strings.Contains(s, "alimentos") || strings.Contains(s, "Ana") {
		t.Errorf("payload leaks excluded fields: %s", s)
	}
	want := `{"rx":"rx-42","pt":"pt-7","ts":"2026-03-09T20:05:30Z","meds":[{"name":"Amoxicilina","dosage":"500 mg","frequency":"cada 8 h","duration":"7 días"}],"sig":true}`
	if s != want {
		t.Errorf("payload =\n%s\nwant\n%s", s, want)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	p := NewPayload(prescription(), time.Unix(1770000000, 0))
	data, _ := p.Marshal()

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.PrescriptionID != "rx-42" || !got.IssuedAt.Equal(p.IssuedAt) || len(got.Medications) != 1 {
		t.Errorf("Decode = %+v", got)
	}

	if _, err := Decode([]byte(`{"pt":"x"}`)); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("missing id err = %v", err)
	}
	if _, err := Decode([]byte(`not json`)); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("garbage err = %v", err)
	}
}

func TestBuildSizesImageToBox(t *testing.T) {
	b := NewBuilder(DefaultConfig(), nil)
	p := NewPayload(prescription(), time.Unix(1770000000, 0))

	code, err := b.Build(p, geometry.Size{Width: 160, Height: 120})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if code.Side != 120 {
		t.Errorf("side = %d, want 120", code.Side)
	}
	img, err := png.Decode(bytes.NewReader(code.PNG))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 120 || b.Dy() != 120 {
		t.Errorf("image = %v, want 120x120", b)
	}
	if code.Digest != Digest(code.Payload) || len(code.Digest) != 64 {
		t.Errorf("digest = %q", code.Digest)
	}
}

func TestSideForEnforcesMinimum(t *testing.T) {
	if got := SideFor(geometry.Size{Width: 40, Height: 40}); got != MinSide {
		t.Errorf("SideFor(40x40) = %d, want %d", got, MinSide)
	}
	if got := SideFor(geometry.Size{Width: 80.7, Height: 200}); got != 80 {
		t.Errorf("SideFor(80.7x200) = %d, want 80", got)
	}
}

func TestBuildRejectsOversizedPayload(t *testing.T) {
	b := NewBuilder(Config{MaxPayloadBytes: 64}, nil)
	_, err := b.Build(NewPayload(prescription(), time.Unix(0, 0)), geometry.Size{Width: 100, Height: 100})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("err = %v, want ErrPayloadTooLarge", err)
	}
}
