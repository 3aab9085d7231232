package layout

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/drfirst/go-rxlayout/internal/geometry"
)

var (
	ErrElementNotFound    = errors.New("element not found")
	ErrDuplicateElement   = errors.New("duplicate element id")
	ErrElementLocked      = errors.New("element is locked")
	ErrUnknownElementType = errors.New("unknown element type")
	ErrLayoutNotFound     = errors.New("layout not found")
)

// PageSize is the physical paper format
type PageSize string

const (
	PageA4     PageSize = "A4"
	PageLetter PageSize = "Letter"
	PageLegal  PageSize = "Legal"
)

// Orientation is the page orientation
type Orientation string

const (
	Portrait  Orientation = "portrait"
	Landscape Orientation = "landscape"
)

// Portrait dimensions at 96 DPI
var pageDimensions = map[PageSize]geometry.Size{
	PageA4:     {Width: 794, Height: 1123},
	PageLetter: {Width: 816, Height: 1056},
	PageLegal:  {Width: 816, Height: 1344},
}

// Dimensions returns the page size in canvas units for the orientation
func (p PageSize) Dimensions(o Orientation) geometry.Size {
	s, ok := pageDimensions[p]
	if !ok {
		s = pageDimensions[PageA4]
	}
	if o == Landscape {
		return geometry.Size{Width: s.Height, Height: s.Width}
	}
	return s
}

// CanvasSettings describes the design surface. CanvasSize is a pointer so a
// missing size can be told apart from a zero one.
type CanvasSettings struct {
	BackgroundColor string         `json:"backgroundColor" validate:"omitempty,max=64,excludesall=<>\"=;:&{}\\"`
	CanvasSize      *geometry.Size `json:"canvasSize,omitempty"`
	PageSize        PageSize       `json:"pageSize"`
	Margin          float64        `json:"margin"`
}

// Margins holds per-side page margins in millimetres
type Margins struct {
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
}

// PrintSettings controls hand-off to the print subsystem
type PrintSettings struct {
	PageMargins  Margins `json:"pageMargins"`
	PrintQuality string  `json:"printQuality"` // draft | normal | high
	ColorMode    string  `json:"colorMode"`    // color | grayscale
	ScaleFactor  float64 `json:"scaleFactor"`
}

// DefaultPrintSettings returns the settings new layouts start with
func DefaultPrintSettings() PrintSettings {
	return PrintSettings{
		PageMargins:  Margins{Top: 10, Right: 10, Bottom: 10, Left: 10},
		PrintQuality: "high",
		ColorMode:    "color",
		ScaleFactor:  1,
	}
}

// Layout is an authored prescription template. Element order is insertion
// order; paint order is ascending ZIndex with ties kept in insertion order.
type Layout struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Elements       []Element      `json:"elements" validate:"dive"`
	CanvasSettings CanvasSettings `json:"canvasSettings"`
	PrintSettings  PrintSettings  `json:"printSettings"`
	Orientation    Orientation    `json:"orientation"`
}

// New creates an empty layout sized to the page and orientation
func New(name string, page PageSize, o Orientation) *Layout {
	size := page.Dimensions(o)
	return &Layout{
		ID:   uuid.New().String(),
		Name: name,
		CanvasSettings: CanvasSettings{
			BackgroundColor: "#ffffff",
			CanvasSize:      &size,
			PageSize:        page,
			Margin:          20,
		},
		PrintSettings: DefaultPrintSettings(),
		Orientation:   o,
	}
}

// Index returns the position of the element with id, or -1
func (l *Layout) Index(id string) int {
	for i := range l.Elements {
		if l.Elements[i].ID == id {
			return i
		}
	}
	return -1
}

// Element returns a copy of the element with id
func (l *Layout) Element(id string) (Element, bool) {
	i := l.Index(id)
	if i < 0 {
		return Element{}, false
	}
	return l.Elements[i], true
}

// MaxZIndex returns the highest zIndex in the layout, or 0 when empty
func (l *Layout) MaxZIndex() int {
	max := 0
	for i, e := range l.Elements {
		if i == 0 || e.ZIndex > max {
			max = e.ZIndex
		}
	}
	return max
}

// AddElement appends e so that it paints on top of every existing element.
// An empty ID is replaced with a fresh one.
func (l *Layout) AddElement(e Element) (Element, error) {
	if !e.Type.Valid() {
		return Element{}, fmt.Errorf("%w: %q", ErrUnknownElementType, e.Type)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if l.Index(e.ID) >= 0 {
		return Element{}, fmt.Errorf("%w: %s", ErrDuplicateElement, e.ID)
	}
	e.ZIndex = l.MaxZIndex() + 1
	l.Elements = append(l.Elements, e)
	return e, nil
}

// RemoveElement deletes the element with id. Remaining zIndex values are
// left untouched; gaps are allowed.
func (l *Layout) RemoveElement(id string) error {
	i := l.Index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrElementNotFound, id)
	}
	l.Elements = append(l.Elements[:i], l.Elements[i+1:]...)
	return nil
}

// UpdateElement applies fn to the element with id. The id and type cannot be
// changed through fn.
func (l *Layout) UpdateElement(id string, fn func(*Element)) error {
	i := l.Index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrElementNotFound, id)
	}
	e := l.Elements[i]
	fn(&e)
	e.ID = l.Elements[i].ID
	e.Type = l.Elements[i].Type
	l.Elements[i] = e
	return nil
}

// MoveElement sets the position of an unlocked element
func (l *Layout) MoveElement(id string, pos geometry.Position) error {
	i := l.Index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrElementNotFound, id)
	}
	if l.Elements[i].IsLocked {
		return fmt.Errorf("%w: %s", ErrElementLocked, id)
	}
	l.Elements[i].Position = pos
	return nil
}

// ResizeElement sets the size of an unlocked element
func (l *Layout) ResizeElement(id string, size geometry.Size) error {
	i := l.Index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrElementNotFound, id)
	}
	if l.Elements[i].IsLocked {
		return fmt.Errorf("%w: %s", ErrElementLocked, id)
	}
	l.Elements[i].Size = size
	return nil
}

// BringToFront moves the element above every other element
func (l *Layout) BringToFront(id string) error {
	i := l.Index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrElementNotFound, id)
	}
	l.Elements[i].ZIndex = l.MaxZIndex() + 1
	return nil
}

// Clone returns a deep copy of the layout
func (l *Layout) Clone() Layout {
	out := *l
	out.Elements = CloneElements(l.Elements)
	out.CanvasSettings = l.CanvasSettings.Clone()
	return out
}

// Freeze returns a deep copy of the layout
func (l *Layout) Freeze() Layout {
	return l.Clone()
}

// Clone returns a deep copy of the settings
func (c CanvasSettings) Clone() CanvasSettings {
	if c.CanvasSize != nil {
		size := *c.CanvasSize
		c.CanvasSize = &size
	}
	return c
}

// CloneElements copies a slice of elements. Elements hold only value fields.
func CloneElements(elements []Element) []Element {
	if elements == nil {
		return nil
	}
	out := make([]Element, len(elements))
	copy(out, elements)
	return out
}

// FirstVisible returns the first visible element of type t in paint order
func FirstVisible(elements []Element, t ElementType) (Element, bool) {
	for _, e := range PaintOrder(elements) {
		if e.Type == t && e.IsVisible {
			return e, true
		}
	}
	return Element{}, false
}

// PaintOrder returns the elements sorted ascending by zIndex with ties kept
// in declaration order
func PaintOrder(elements []Element) []Element {
	out := CloneElements(elements)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ZIndex < out[j].ZIndex
	})
	return out
}
