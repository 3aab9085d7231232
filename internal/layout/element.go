// Package layout implements the prescription template element model.
package layout

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/drfirst/go-rxlayout/internal/geometry"
)

// ElementType is the variant tag of a template element
type ElementType string

const (
	ElementText      ElementType = "text"
	ElementLogo      ElementType = "logo"
	ElementSignature ElementType = "signature"
	ElementQR        ElementType = "qr"
	ElementSeparator ElementType = "separator"
	ElementBox       ElementType = "box"
	ElementDate      ElementType = "date"
	ElementTime      ElementType = "time"
	ElementTable     ElementType = "table"
	ElementIcon      ElementType = "icon"
)

// ElementTypes lists every known variant in declaration order
var ElementTypes = []ElementType{
	ElementText,
	ElementLogo,
	ElementSignature,
	ElementQR,
	ElementSeparator,
	ElementBox,
	ElementDate,
	ElementTime,
	ElementTable,
	ElementIcon,
}

// Valid reports whether t is a known variant
func (t ElementType) Valid() bool {
	for _, known := range ElementTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseElementType converts a raw tag into an ElementType
func ParseElementType(s string) (ElementType, error) {
	t := ElementType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownElementType, s)
	}
	return t, nil
}

// LogoPlaceholder is the logo content meaning "no image set yet"
const LogoPlaceholder = "LOGO"

// Element is one positioned, sized, styled unit of a layout.
// Content semantics depend on Type: literal text, a placeholder-bearing
// template string, a pipe-delimited table grid, or an image reference.
type Element struct {
	ID              string            `json:"id"`
	Type            ElementType       `json:"type"`
	Position        geometry.Position `json:"position"`
	Size            geometry.Size     `json:"size"`
	Content         string            `json:"content"`
	Style           TextStyle         `json:"style"`
	ZIndex          int               `json:"zIndex"`
	IsVisible       bool              `json:"isVisible"`
	IsLocked        bool              `json:"isLocked"`
	IconType        string            `json:"iconType,omitempty" validate:"omitempty,max=64,excludesall=<>\"=;:&{}\\"`
	BorderColor     string            `json:"borderColor,omitempty" validate:"omitempty,max=64,excludesall=<>\"=;:&{}\\"`
	BackgroundColor string            `json:"backgroundColor,omitempty" validate:"omitempty,max=64,excludesall=<>\"=;:&{}\\"`
}

// Rect returns the element bounding rectangle
func (e Element) Rect() geometry.Rect {
	return geometry.RectOf(e.Position, e.Size)
}

// NewElement instantiates an element of type t at pos with the default
// size, content and style for that type. The zIndex is assigned when the
// element is added to a layout.
func NewElement(t ElementType, pos geometry.Position) (Element, error) {
	if !t.Valid() {
		return Element{}, fmt.Errorf("%w: %q", ErrUnknownElementType, t)
	}
	e := Element{
		ID:        uuid.New().String(),
		Type:      t,
		Position:  pos,
		Size:      DefaultSize(t),
		Content:   defaultContent[t],
		Style:     defaultStyle(t),
		IsVisible: true,
	}
	switch t {
	case ElementBox:
		e.BorderColor = "#000000"
		e.BackgroundColor = "transparent"
	case ElementSeparator:
		e.BackgroundColor = "#000000"
	case ElementIcon:
		e.IconType = "stethoscope"
	}
	return e, nil
}
