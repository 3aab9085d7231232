// Package canvas converts between screen and canvas coordinates and runs the
// single-pointer drag session over a layout.
package canvas

import (
	"errors"
	"fmt"
	"math"

	"github.com/drfirst/go-rxlayout/internal/geometry"
	"github.com/drfirst/go-rxlayout/internal/layout"
)

var (
	ErrDragInProgress = errors.New("a drag session is already active")
	ErrNotDragging    = errors.New("no drag session is active")
	ErrElementLocked  = errors.New("locked elements cannot be dragged")
)

// Config holds the zoom bounds and step
type Config struct {
	MinZoom  float64 `mapstructure:"min_zoom"`
	MaxZoom  float64 `mapstructure:"max_zoom"`
	ZoomStep float64 `mapstructure:"zoom_step"`
}

// DefaultConfig returns default transform configuration
func DefaultConfig() Config {
	return Config{
		MinZoom:  0.25,
		MaxZoom:  2.0,
		ZoomStep: 0.1,
	}
}

// DragState is the state of the drag session
type DragState int

const (
	Idle DragState = iota
	Dragging
)

func (s DragState) String() string {
	if s == Dragging {
		return "dragging"
	}
	return "idle"
}

// PositionUpdate is emitted for every pointer move while dragging
type PositionUpdate struct {
	ElementID string            `json:"elementId"`
	Position  geometry.Position `json:"position"`
}

type dragSession struct {
	elementID string
	offset    geometry.Position
	start     geometry.Position
}

// Transform owns the zoom level, the canvas origin on screen, the current
// selection and at most one drag session. It is not safe for concurrent use.
type Transform struct {
	cfg      Config
	zoom     float64
	origin   geometry.Position
	selected string
	state    DragState
	drag     dragSession
}

// New creates a transform at zoom 1.0
func New(cfg Config) *Transform {
	if cfg.MinZoom <= 0 {
		cfg.MinZoom = DefaultConfig().MinZoom
	}
	if cfg.MaxZoom < cfg.MinZoom {
		cfg.MaxZoom = cfg.MinZoom
	}
	if cfg.ZoomStep <= 0 {
		cfg.ZoomStep = DefaultConfig().ZoomStep
	}
	t := &Transform{cfg: cfg}
	t.SetZoom(1)
	return t
}

// Zoom returns the current zoom factor
func (t *Transform) Zoom() float64 { return t.zoom }

// SetZoom sets the zoom clamped to the configured bounds and returns the applied value
func (t *Transform) SetZoom(z float64) float64 {
	if math.IsNaN(z) {
		return t.zoom
	}
	z = math.Max(t.cfg.MinZoom, math.Min(t.cfg.MaxZoom, z))
	// keep additive steps on a clean grid
	t.zoom = math.Round(z*100) / 100
	return t.zoom
}

// ZoomIn raises the zoom by one step
func (t *Transform) ZoomIn() float64 { return t.SetZoom(t.zoom + t.cfg.ZoomStep) }

// ZoomOut lowers the zoom by one step
func (t *Transform) ZoomOut() float64 { return t.SetZoom(t.zoom - t.cfg.ZoomStep) }

// SetOrigin records where the canvas top-left sits in screen coordinates
func (t *Transform) SetOrigin(p geometry.Position) { t.origin = p }

// ScreenToCanvas converts a screen point into canvas units
func (t *Transform) ScreenToCanvas(p geometry.Position) geometry.Position {
	return p.Sub(t.origin).Scale(1 / t.zoom)
}

// CanvasToScreen converts a canvas point into screen coordinates
func (t *Transform) CanvasToScreen(p geometry.Position) geometry.Position {
	return p.Scale(t.zoom).Add(t.origin)
}

// State returns the drag state
func (t *Transform) State() DragState { return t.state }

// Selected returns the selected element id, or ""
func (t *Transform) Selected() string { return t.selected }

// Select changes the selection. It fails while a drag is active.
func (t *Transform) Select(id string) error {
	if t.state == Dragging {
		return ErrDragInProgress
	}
	t.selected = id
	return nil
}

// HitTest returns the top-most visible element under the canvas point
func HitTest(l *layout.Layout, p geometry.Position) (layout.Element, bool) {
	ordered := layout.PaintOrder(l.Elements)
	for i := len(ordered) - 1; i >= 0; i-- {
		e := ordered[i]
		if e.IsVisible && e.Rect().Contains(p) {
			return e, true
		}
	}
	return layout.Element{}, false
}

// PointerDown selects the element id and, if it is unlocked, starts dragging
// it. pointer is in screen coordinates. A locked element is still selected.
func (t *Transform) PointerDown(l *layout.Layout, id string, pointer geometry.Position) error {
	if t.state == Dragging {
		return ErrDragInProgress
	}
	e, ok := l.Element(id)
	if !ok {
		return fmt.Errorf("%w: %s", layout.ErrElementNotFound, id)
	}
	t.selected = id
	if e.IsLocked {
		return fmt.Errorf("%w: %s", ErrElementLocked, id)
	}
	t.drag = dragSession{
		elementID: id,
		offset:    t.ScreenToCanvas(pointer).Sub(e.Position),
		start:     e.Position,
	}
	t.state = Dragging
	return nil
}

// PointerMove repositions the dragged element so it follows the pointer,
// clamped at the top-left canvas edge. Elements may extend past the right
// and bottom edges.
func (t *Transform) PointerMove(l *layout.Layout, pointer geometry.Position) (PositionUpdate, error) {
	if t.state != Dragging {
		return PositionUpdate{}, ErrNotDragging
	}
	pos := t.ScreenToCanvas(pointer).Sub(t.drag.offset).ClampMin(0)
	if err := l.MoveElement(t.drag.elementID, pos); err != nil {
		t.reset()
		return PositionUpdate{}, fmt.Errorf("move %s: %w", t.drag.elementID, err)
	}
	return PositionUpdate{ElementID: t.drag.elementID, Position: pos}, nil
}

// PointerUp ends the drag session and returns the id of the element that moved
func (t *Transform) PointerUp() (string, error) {
	if t.state != Dragging {
		return "", ErrNotDragging
	}
	id := t.drag.elementID
	t.reset()
	return id, nil
}

// Cancel aborts the drag session, restoring the element to where it started
func (t *Transform) Cancel(l *layout.Layout) error {
	if t.state != Dragging {
		return ErrNotDragging
	}
	id, start := t.drag.elementID, t.drag.start
	t.reset()
	if err := l.MoveElement(id, start); err != nil && !errors.Is(err, layout.ErrElementNotFound) {
		return fmt.Errorf("restore %s: %w", id, err)
	}
	return nil
}

func (t *Transform) reset() {
	t.state = Idle
	t.drag = dragSession{}
}
