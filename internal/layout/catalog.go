package layout

import (
	"sort"

	"github.com/drfirst/go-rxlayout/internal/geometry"
)

// Template is a named, pre-authored layout usable as a starting point
type Template struct {
	Name        string  `json:"name"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Layout      *Layout `json:"layout"`
}

var catalog = map[string]func() Template{
	"classic-landscape": classicLandscape,
	"compact-landscape": compactLandscape,
	"modern-portrait":   modernPortrait,
}

// Catalog returns fresh copies of every pre-authored template sorted by name
func Catalog() []Template {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Template, 0, len(names))
	for _, name := range names {
		out = append(out, catalog[name]())
	}
	return out
}

// LookupTemplate returns a fresh copy of the named template
func LookupTemplate(name string) (Template, bool) {
	fn, ok := catalog[name]
	if !ok {
		return Template{}, false
	}
	return fn(), true
}

type placement struct {
	id      string
	typ     ElementType
	x, y    float64
	w, h    float64
	content string
	style   TextStyle
}

func build(l *Layout, placements []placement) *Layout {
	for _, s := range placements {
		e := Element{
			ID:        s.id,
			Type:      s.typ,
			Position:  geometry.Position{X: s.x, Y: s.y},
			Size:      geometry.Size{Width: s.w, Height: s.h},
			Content:   s.content,
			Style:     s.style,
			IsVisible: true,
		}
		switch s.typ {
		case ElementSeparator:
			e.BackgroundColor = "#1f2937"
		case ElementBox:
			e.BorderColor = "#d1d5db"
			e.BackgroundColor = "#f3f4f6"
		case ElementIcon:
			e.IconType = "stethoscope"
		}
		if _, err := l.AddElement(e); err != nil {
			panic("layout catalog: " + err.Error())
		}
	}
	return l
}

func classicLandscape() Template {
	l := New("Clásica horizontal", PageA4, Landscape)
	l.ID = "classic-landscape"
	bold := TextStyle{FontWeight: FontWeightBold}
	return Template{
		Name:        "classic-landscape",
		Title:       "Clásica horizontal",
		Description: "Encabezado con logo, datos del paciente, medicamentos, firma y código de verificación",
		Layout: build(l, []placement{
			{"logo", ElementLogo, 40, 30, 120, 80, LogoPlaceholder, TextStyle{}},
			{"clinic", ElementText, 180, 30, 600, 30, "{{clinicName}}", TextStyle{FontSize: 20, FontWeight: FontWeightBold}},
			{"doctor", ElementText, 180, 65, 600, 25, "Dr(a). {{doctorName}} · Cédula {{doctorLicense}}", TextStyle{}},
			{"date", ElementDate, 900, 30, 180, 25, "", TextStyle{FontSize: 12, TextAlign: TextAlignRight}},
			{"rule", ElementSeparator, 40, 125, 1043, 2, "", TextStyle{}},
			{"patient", ElementText, 40, 140, 700, 25, "Paciente: {{patientName}}", TextStyle{}},
			{"diagnosis", ElementText, 40, 170, 700, 25, "Diagnóstico: {{diagnosis}}", TextStyle{}},
			{"rx", ElementText, 40, 205, 300, 25, "Rp/", bold},
			{"medications", ElementText, 40, 235, 800, 380, "{{medications}}", TextStyle{LineHeight: 1.5}},
			{"qr", ElementQR, 960, 600, 120, 120, "QR", TextStyle{}},
			{"signature", ElementSignature, 700, 640, 220, 60, "Firma: {{doctorName}}", TextStyle{FontSize: 12, TextAlign: TextAlignCenter}},
			{"footer", ElementText, 40, 740, 800, 20, "{{clinicAddress}} · Tel. {{clinicPhone}}", TextStyle{FontSize: 9, Color: "#4b5563"}},
		}),
	}
}

func compactLandscape() Template {
	l := New("Compacta horizontal", PageA4, Landscape)
	l.ID = "compact-landscape"
	return Template{
		Name:        "compact-landscape",
		Title:       "Compacta horizontal",
		Description: "Receta de media hoja con los datos mínimos obligatorios",
		Layout: build(l, []placement{
			{"doctor", ElementText, 30, 20, 560, 28, "Dr(a). {{doctorName}} · {{clinicName}}", TextStyle{FontSize: 16, FontWeight: FontWeightBold}},
			{"date", ElementDate, 620, 20, 160, 25, "", TextStyle{FontSize: 11}},
			{"patient", ElementText, 30, 60, 560, 22, "Paciente: {{patientName}}", TextStyle{FontSize: 12}},
			{"medications", ElementText, 30, 95, 560, 250, "{{medications}}", TextStyle{FontSize: 12}},
			{"qr", ElementQR, 620, 95, 90, 90, "QR", TextStyle{}},
			{"signature", ElementSignature, 590, 300, 200, 50, "Firma", TextStyle{FontSize: 10, TextAlign: TextAlignCenter}},
		}),
	}
}

func modernPortrait() Template {
	l := New("Moderna vertical", PageA4, Portrait)
	l.ID = "modern-portrait"
	return Template{
		Name:        "modern-portrait",
		Title:       "Moderna vertical",
		Description: "Banda superior, tabla de medicamentos y pie con verificación",
		Layout: build(l, []placement{
			{"band", ElementBox, 0, 0, 794, 120, "", TextStyle{}},
			{"icon", ElementIcon, 30, 40, 40, 40, "", TextStyle{}},
			{"clinic", ElementText, 90, 30, 500, 30, "{{clinicName}}", TextStyle{FontSize: 22, FontWeight: FontWeightBold, Color: "#111827"}},
			{"doctor", ElementText, 90, 70, 500, 25, "Dr(a). {{doctorName}} · Cédula {{doctorLicense}}", TextStyle{}},
			{"patient", ElementText, 40, 150, 480, 25, "Paciente: {{patientName}}", TextStyle{}},
			{"date", ElementDate, 560, 150, 194, 25, "", TextStyle{FontSize: 12, TextAlign: TextAlignRight}},
			{"diagnosis", ElementText, 40, 185, 714, 25, "Diagnóstico: {{diagnosis}}", TextStyle{}},
			{"medications", ElementText, 40, 230, 714, 500, "{{medications}}", TextStyle{LineHeight: 1.5}},
			{"rule", ElementSeparator, 40, 900, 714, 2, "", TextStyle{}},
			{"signature", ElementSignature, 40, 930, 260, 70, "Firma: {{doctorName}}", TextStyle{FontSize: 12, TextAlign: TextAlignCenter}},
			{"qr", ElementQR, 634, 920, 120, 120, "QR", TextStyle{}},
			{"footer", ElementText, 40, 1060, 560, 20, "{{clinicAddress}} · Tel. {{clinicPhone}}", TextStyle{FontSize: 9, Color: "#4b5563"}},
		}),
	}
}
