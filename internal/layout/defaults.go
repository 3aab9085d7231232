package layout

import "github.com/drfirst/go-rxlayout/internal/geometry"

var defaultSizes = map[ElementType]geometry.Size{
	ElementText:      {Width: 200, Height: 30},
	ElementLogo:      {Width: 120, Height: 80},
	ElementSignature: {Width: 200, Height: 60},
	ElementQR:        {Width: 100, Height: 100},
	ElementSeparator: {Width: 400, Height: 2},
	ElementBox:       {Width: 200, Height: 100},
	ElementDate:      {Width: 150, Height: 25},
	ElementTime:      {Width: 100, Height: 25},
	ElementTable:     {Width: 400, Height: 120},
	ElementIcon:      {Width: 40, Height: 40},
}

var defaultContent = map[ElementType]string{
	ElementText:      "Nuevo texto",
	ElementLogo:      LogoPlaceholder,
	ElementSignature: "Firma del médico",
	ElementQR:        "QR",
	ElementTable:     "Medicamento|Dosis|Frecuencia|Duración\n|||",
	ElementIcon:      "",
}

// DefaultSize returns the size an element of type t gets when it is
// instantiated interactively. Unknown types get a 100x30 box.
func DefaultSize(t ElementType) geometry.Size {
	if s, ok := defaultSizes[t]; ok {
		return s
	}
	return geometry.Size{Width: 100, Height: 30}
}

func defaultStyle(t ElementType) TextStyle {
	switch t {
	case ElementSignature:
		return TextStyle{FontSize: 12, TextAlign: TextAlignCenter}
	case ElementDate, ElementTime:
		return TextStyle{FontSize: 12}
	case ElementTable:
		return TextStyle{FontSize: 11}
	default:
		return TextStyle{}
	}
}
