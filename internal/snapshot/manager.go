package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlayout/internal/binding"
	"github.com/drfirst/go-rxlayout/internal/geometry"
	"github.com/drfirst/go-rxlayout/internal/layout"
	"github.com/drfirst/go-rxlayout/internal/render"
	"github.com/drfirst/go-rxlayout/internal/validation"
	"github.com/drfirst/go-rxlayout/internal/verification"
)

// DefaultQRBox is used when the layout has no visible qr element
var DefaultQRBox = geometry.Size{Width: 100, Height: 100}

// Manager issues and replays snapshots
type Manager struct {
	builder *verification.Builder
	clock   render.Clock
	logger  *zap.Logger
}

// NewManager creates a new snapshot manager
func NewManager(builder *verification.Builder, clock render.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = render.SystemClock{}
	}
	if builder == nil {
		builder = verification.NewBuilder(verification.DefaultConfig(), logger)
	}
	return &Manager{
		builder: builder,
		clock:   clock,
		logger:  logger,
	}
}

// Issue freezes src with the prescription data. A layout with blocking
// validation errors is refused with a *BlockedError. A QR encoding failure
// does not stop issuance; the snapshot records the fault and the qr element
// renders as a placeholder.
func (m *Manager) Issue(ctx context.Context, src Source, rx binding.Prescription, bindings binding.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frozen := src.Freeze()
	findings := validation.Validate(frozen.Elements, frozen.CanvasSettings)
	if blocking := validation.Blocking(findings); len(blocking) > 0 {
		return nil, &BlockedError{Findings: blocking}
	}

	now := m.clock.Now()
	resolved := render.Bindings(bindings, render.FixedClock(now))

	snap := &Snapshot{
		ID:             uuid.New().String(),
		PrescriptionID: rx.ID,
		LayoutID:       frozen.ID,
		LayoutName:     frozen.Name,
		IssuedAt:       now.UTC().Truncate(time.Second),
		Elements:       resolveElements(frozen.Elements, resolved),
		CanvasSettings: frozen.CanvasSettings,
		PrintSettings:  frozen.PrintSettings,
		Orientation:    frozen.Orientation,
		Bindings:       resolved,
	}

	code, err := m.builder.Build(verification.NewPayload(rx, now), QRBox(frozen.Elements))
	if err != nil {
		snap.QRFault = err.Error()
		m.logger.Warn("Verification code unavailable, issuing without it",
			zap.String("prescription_id", rx.ID),
			zap.Error(err),
		)
	} else {
		snap.Payload = string(code.Payload)
		snap.PayloadDigest = code.Digest
		snap.QRImage = code.PNG
	}

	if err := snap.Seal(); err != nil {
		return nil, fmt.Errorf("seal snapshot: %w", err)
	}

	m.logger.Info("Issued prescription snapshot",
		zap.String("snapshot_id", snap.ID),
		zap.String("prescription_id", snap.PrescriptionID),
		zap.String("layout_id", snap.LayoutID),
		zap.Int("elements", len(snap.Elements)),
	)
	return snap, nil
}

// Reprint renders the frozen snapshot for print. The live layout is never consulted.
func (m *Manager) Reprint(ctx context.Context, snap *Snapshot) (render.Document, error) {
	if err := ctx.Err(); err != nil {
		return render.Document{}, err
	}
	if err := Verify(snap); err != nil {
		return render.Document{}, err
	}
	return Replay(snap)
}

// Replay renders snap without verifying its checksum
func Replay(snap *Snapshot) (render.Document, error) {
	stamps := binding.Context{}
	for _, k := range []string{binding.KeyDate, binding.KeyTime} {
		if v, ok := snap.Bindings[k]; ok {
			stamps[k] = v
		}
	}
	doc, err := render.RenderElements(snap.Elements, snap.CanvasSettings, stamps, render.TargetPrint, render.Options{
		Clock:    render.FixedClock(snap.IssuedAt),
		QRImage:  snap.QRImage,
		Resolved: true,
	})
	if err != nil {
		return render.Document{}, fmt.Errorf("replay snapshot %s: %w", snap.ID, err)
	}
	return doc, nil
}

// resolveElements copies elements with placeholder tokens substituted
func resolveElements(elements []layout.Element, ctx binding.Context) []layout.Element {
	out := layout.CloneElements(elements)
	for i := range out {
		switch out[i].Type {
		case layout.ElementLogo, layout.ElementQR:
		default:
			out[i].Content = ctx.Resolve(out[i].Content)
		}
	}
	return out
}

// QRBox returns the box the verification code is sized to, shared by the
// editor preview and issuance
func QRBox(elements []layout.Element) geometry.Size {
	if e, ok := layout.FirstVisible(elements, layout.ElementQR); ok {
		return e.Size
	}
	return DefaultQRBox
}
