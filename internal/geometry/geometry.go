// Package geometry provides canvas-space primitives for prescription layouts.
// All values are design-space pixels at 1.0 zoom.
package geometry

import "math"

// Position is a point on the canvas
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns p translated by q
func (p Position) Add(q Position) Position {
	return Position{X: p.X + q.X, Y: p.Y + q.Y}
}

// Sub returns p minus q
func (p Position) Sub(q Position) Position {
	return Position{X: p.X - q.X, Y: p.Y - q.Y}
}

// Scale multiplies both coordinates by f
func (p Position) Scale(f float64) Position {
	return Position{X: p.X * f, Y: p.Y * f}
}

// ClampMin raises each coordinate to at least min
func (p Position) ClampMin(min float64) Position {
	return Position{X: math.Max(p.X, min), Y: math.Max(p.Y, min)}
}

// Size is a width/height pair. Both must be positive for a visible element,
// but a transient non-positive size is allowed while editing.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Positive reports whether both dimensions are greater than zero
func (s Size) Positive() bool {
	return s.Width > 0 && s.Height > 0
}

// Min returns the smaller dimension
func (s Size) Min() float64 {
	return math.Min(s.Width, s.Height)
}

// Rect is an axis-aligned rectangle in canvas coordinates
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// RectOf derives a rectangle from a position and size
func RectOf(p Position, s Size) Rect {
	return Rect{
		Left:   p.X,
		Top:    p.Y,
		Right:  p.X + s.Width,
		Bottom: p.Y + s.Height,
	}
}

// Width returns the horizontal extent
func (r Rect) Width() float64 { return r.Right - r.Left }

// Height returns the vertical extent
func (r Rect) Height() float64 { return r.Bottom - r.Top }

// Empty reports whether the rectangle has no area
func (r Rect) Empty() bool {
	return r.Width() <= 0 || r.Height() <= 0
}

// Origin returns the top-left corner
func (r Rect) Origin() Position {
	return Position{X: r.Left, Y: r.Top}
}

// Size returns the rectangle dimensions
func (r Rect) Size() Size {
	return Size{Width: r.Width(), Height: r.Height()}
}

// Contains reports whether p lies inside r. Right and bottom edges are exclusive.
func (r Rect) Contains(p Position) bool {
	return p.X >= r.Left && p.X < r.Right && p.Y >= r.Top && p.Y < r.Bottom
}

// Intersects reports whether a and b overlap using the separating-axis test.
// Rectangles that only share an edge do not overlap, and a zero-area
// rectangle never overlaps anything.
func Intersects(a, b Rect) bool {
	if a.Empty() || b.Empty() {
		return false
	}
	separated := a.Right <= b.Left ||
		b.Right <= a.Left ||
		a.Bottom <= b.Top ||
		b.Bottom <= a.Top
	return !separated
}
