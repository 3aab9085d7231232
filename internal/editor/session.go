// Package editor ties a layout being authored to its canvas transform,
// debounced validation and debounced verification code regeneration.
package editor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxlayout/internal/binding"
	"github.com/drfirst/go-rxlayout/internal/canvas"
	"github.com/drfirst/go-rxlayout/internal/geometry"
	"github.com/drfirst/go-rxlayout/internal/layout"
	"github.com/drfirst/go-rxlayout/internal/render"
	"github.com/drfirst/go-rxlayout/internal/snapshot"
	"github.com/drfirst/go-rxlayout/internal/validation"
	"github.com/drfirst/go-rxlayout/internal/verification"
	"github.com/drfirst/go-rxlayout/pkg/debounce"
)

// Config holds session configuration
type Config struct {
	ValidationDelay time.Duration `mapstructure:"validation_delay"`
	QRDelay         time.Duration `mapstructure:"qr_delay"`
	Canvas          canvas.Config `mapstructure:"canvas"`
}

// DefaultConfig returns default session configuration
func DefaultConfig() Config {
	return Config{
		ValidationDelay: 100 * time.Millisecond,
		QRDelay:         400 * time.Millisecond,
		Canvas:          canvas.DefaultConfig(),
	}
}

// Session is one user's authoring session over a layout. All methods are
// safe for concurrent use; mutations are serialized.
type Session struct {
	mu        sync.Mutex
	layout    *layout.Layout
	transform *canvas.Transform
	rx        binding.Prescription
	doctor    binding.Doctor
	clock     render.Clock

	report validation.Report
	qr     verification.Code
	qrErr  error

	builder    *verification.Builder
	validation *debounce.Debouncer
	regenerate *debounce.Debouncer
	logger     *zap.Logger

	onValidated func(validation.Report)
	onQR        func(verification.Code, error)
}

// NewSession starts a session over a copy of l
func NewSession(cfg Config, l layout.Layout, rx binding.Prescription, doctor binding.Doctor, builder *verification.Builder, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if builder == nil {
		builder = verification.NewBuilder(verification.DefaultConfig(), logger)
	}
	working := l.Clone()
	s := &Session{
		layout:    &working,
		transform: canvas.New(cfg.Canvas),
		rx:        rx,
		doctor:    doctor,
		clock:     render.SystemClock{},
		builder:   builder,
		logger:    logger,
	}
	s.report = validation.ValidateLayout(s.layout)
	s.validation = debounce.New(cfg.ValidationDelay, s.revalidate)
	s.regenerate = debounce.New(cfg.QRDelay, s.rebuildQR)
	s.regenerate.Trigger()
	return s
}

// NotifyValidated registers fn to receive every debounced validation report.
// fn runs on the debounce goroutine.
func (s *Session) NotifyValidated(fn func(validation.Report)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onValidated = fn
}

// NotifyQR registers fn to receive every regenerated verification code
func (s *Session) NotifyQR(fn func(verification.Code, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onQR = fn
}

// Close stops pending background work
func (s *Session) Close() {
	s.validation.Stop()
	s.regenerate.Stop()
}

// Freeze returns a consistent deep copy of the layout
func (s *Session) Freeze() layout.Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout.Clone()
}

// Prescription returns the prescription being composed
func (s *Session) Prescription() binding.Prescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	rx := s.rx
	rx.Medications = append([]binding.Medication(nil), s.rx.Medications...)
	return rx
}

// Bindings returns the binding context for the current prescription state
func (s *Session) Bindings() binding.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return binding.Build(s.rx, s.doctor, time.Time{})
}

// mutate runs fn under the lock and schedules validation when it succeeds
func (s *Session) mutate(fn func(l *layout.Layout) error) error {
	s.mu.Lock()
	err := fn(s.layout)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.validation.Trigger()
	return nil
}

// AddElement instantiates an element of type t at pos
func (s *Session) AddElement(t layout.ElementType, pos geometry.Position) (layout.Element, error) {
	e, err := layout.NewElement(t, pos)
	if err != nil {
		return layout.Element{}, err
	}
	var added layout.Element
	err = s.mutate(func(l *layout.Layout) error {
		added, err = l.AddElement(e)
		return err
	})
	return added, err
}

// RemoveElement deletes an element and clears it from the selection
func (s *Session) RemoveElement(id string) error {
	return s.mutate(func(l *layout.Layout) error {
		if err := l.RemoveElement(id); err != nil {
			return err
		}
		if s.transform.Selected() == id {
			_ = s.transform.Select("")
		}
		return nil
	})
}

// UpdateElement edits an element in place
func (s *Session) UpdateElement(id string, fn func(*layout.Element)) error {
	return s.mutate(func(l *layout.Layout) error { return l.UpdateElement(id, fn) })
}

// MoveElement places an unlocked element at pos
func (s *Session) MoveElement(id string, pos geometry.Position) error {
	return s.mutate(func(l *layout.Layout) error { return l.MoveElement(id, pos) })
}

// ResizeElement resizes an unlocked element
func (s *Session) ResizeElement(id string, size geometry.Size) error {
	return s.mutate(func(l *layout.Layout) error { return l.ResizeElement(id, size) })
}

// BringToFront raises an element above the others
func (s *Session) BringToFront(id string) error {
	return s.mutate(func(l *layout.Layout) error { return l.BringToFront(id) })
}

// Select changes the selected element
func (s *Session) Select(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transform.Select(id)
}

// SetZoom sets the editor zoom and returns the applied value
func (s *Session) SetZoom(z float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transform.SetZoom(z)
}

// SetOrigin records the canvas position on screen
func (s *Session) SetOrigin(p geometry.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transform.SetOrigin(p)
}

// PointerDown hit-tests the screen point and starts dragging the element under it
func (s *Session) PointerDown(screen geometry.Position) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := canvas.HitTest(s.layout, s.transform.ScreenToCanvas(screen))
	if !ok {
		_ = s.transform.Select("")
		return "", nil
	}
	return e.ID, s.transform.PointerDown(s.layout, e.ID, screen)
}

// PointerMove moves the dragged element
func (s *Session) PointerMove(screen geometry.Position) (canvas.PositionUpdate, error) {
	var upd canvas.PositionUpdate
	err := s.mutate(func(l *layout.Layout) error {
		var err error
		upd, err = s.transform.PointerMove(l, screen)
		return err
	})
	return upd, err
}

// PointerUp ends the drag and validates without waiting for the debounce window
func (s *Session) PointerUp() error {
	s.mu.Lock()
	_, err := s.transform.PointerUp()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.validation.Trigger()
	s.validation.Flush()
	return nil
}

// CancelDrag aborts the drag and restores the element
func (s *Session) CancelDrag() error {
	return s.mutate(func(l *layout.Layout) error { return s.transform.Cancel(l) })
}

// SetPatient changes the patient and schedules QR regeneration
func (s *Session) SetPatient(id, name string) {
	s.mu.Lock()
	s.rx.PatientID, s.rx.PatientName = id, name
	s.mu.Unlock()
	s.regenerate.Trigger()
}

// SetDiagnosis changes the diagnosis and schedules QR regeneration
func (s *Session) SetDiagnosis(diagnosis string) {
	s.mu.Lock()
	s.rx.Diagnosis = diagnosis
	s.mu.Unlock()
	s.regenerate.Trigger()
}

// SetMedications replaces the medication list and schedules QR regeneration
func (s *Session) SetMedications(meds []binding.Medication) {
	s.mu.Lock()
	s.rx.Medications = append([]binding.Medication(nil), meds...)
	s.mu.Unlock()
	s.regenerate.Trigger()
}

// Report returns the latest validation report
func (s *Session) Report() validation.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// ValidateNow runs any pending validation and returns the result
func (s *Session) ValidateNow() validation.Report {
	s.validation.Flush()
	return s.Report()
}

// QR returns the latest verification code, flushing a pending regeneration
func (s *Session) QR() (verification.Code, error) {
	s.regenerate.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr, s.qrErr
}

// Render draws the layout for target with the current selection and QR image
func (s *Session) Render(target render.Target) (render.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := render.Render(s.layout, binding.Build(s.rx, s.doctor, time.Time{}), target, render.Options{
		Clock:    s.clock,
		Selected: s.transform.Selected(),
		QRImage:  s.qr.PNG,
	})
	if err != nil {
		return render.Document{}, fmt.Errorf("render session layout: %w", err)
	}
	return doc, nil
}

func (s *Session) revalidate() {
	s.mu.Lock()
	report := validation.ValidateLayout(s.layout)
	s.report = report
	cb := s.onValidated
	s.mu.Unlock()
	if cb != nil {
		cb(report)
	}
}

func (s *Session) rebuildQR() {
	s.mu.Lock()
	payload := verification.NewPayload(s.rx, s.clock.Now())
	box := snapshot.QRBox(s.layout.Elements)
	s.mu.Unlock()

	code, err := s.builder.Build(payload, box)
	if err != nil {
		s.logger.Warn("Verification code regeneration failed",
			zap.String("prescription_id", payload.PrescriptionID),
			zap.Error(err),
		)
	}

	s.mu.Lock()
	s.qr, s.qrErr = code, err
	cb := s.onQR
	s.mu.Unlock()
	if cb != nil {
		cb(code, err)
	}
}

