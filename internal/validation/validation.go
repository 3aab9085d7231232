// Package validation checks a layout against legibility, print and medical
// completeness rules. Findings are values; nothing here returns an error.
package validation

import (
	"fmt"
	"strings"

	"github.com/drfirst/go-rxlayout/internal/geometry"
	"github.com/drfirst/go-rxlayout/internal/layout"
)

// Severity ranks a finding. Only SeverityError blocks issuance.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Code identifies the rule that produced a finding
type Code string

const (
	CodeMissingCanvasSize  Code = "MISSING_CANVAS_SIZE"
	CodeCanvasTooSmall     Code = "CANVAS_TOO_SMALL"
	CodeNegativePosition   Code = "NEGATIVE_POSITION"
	CodeOutOfBounds        Code = "OUT_OF_BOUNDS"
	CodeInvalidSize        Code = "INVALID_SIZE"
	CodeFontTooSmall       Code = "FONT_TOO_SMALL"
	CodeFontTooLarge       Code = "FONT_TOO_LARGE"
	CodeInvisibleText      Code = "INVISIBLE_TEXT"
	CodeEmptyText          Code = "EMPTY_TEXT"
	CodeQRTooSmall         Code = "QR_TOO_SMALL"
	CodeElementOverlap     Code = "ELEMENT_OVERLAP"
	CodeMissingPatientInfo Code = "MISSING_PATIENT_INFO"
	CodeMissingDoctorInfo  Code = "MISSING_DOCTOR_INFO"
	CodeMissingMedications Code = "MISSING_MEDICATIONS"
	CodeMissingDate        Code = "MISSING_DATE"
	CodeUnknownElementType Code = "UNKNOWN_ELEMENT_TYPE"
)

// Thresholds
const (
	MinCanvasDimension = 100
	MinFontSize        = 8
	MaxFontSize        = 72
	MinQRSide          = 50
)

// Finding is one validation result
type Finding struct {
	Severity   Severity `json:"severity"`
	ElementID  string   `json:"elementId,omitempty"`
	RelatedID  string   `json:"relatedElementId,omitempty"`
	Code       Code     `json:"code"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// Report is the outcome of validating a whole layout
type Report struct {
	Valid    bool      `json:"isValid"`
	Errors   int       `json:"errors"`
	Warnings int       `json:"warnings"`
	Infos    int       `json:"infos"`
	Findings []Finding `json:"findings"`
}

// Validate evaluates every rule and returns the findings in a deterministic
// order: canvas, per element in sequence order, overlapping pairs, then
// completeness.
func Validate(elements []layout.Element, canvas layout.CanvasSettings) []Finding {
	findings := make([]Finding, 0)
	findings = append(findings, checkCanvas(canvas)...)

	visible := make([]layout.Element, 0, len(elements))
	for _, e := range elements {
		if !e.IsVisible {
			continue
		}
		visible = append(visible, e)
		findings = append(findings, checkElement(e, canvas)...)
	}

	findings = append(findings, checkOverlaps(visible)...)
	findings = append(findings, checkCompleteness(elements)...)
	return findings
}

// ValidateLayout validates l and summarizes the result
func ValidateLayout(l *layout.Layout) Report {
	return Summarize(Validate(l.Elements, l.CanvasSettings))
}

// Summarize counts findings by severity
func Summarize(findings []Finding) Report {
	r := Report{Findings: findings}
	for _, f := range findings {
		switch f.Severity {
		case SeverityError:
			r.Errors++
		case SeverityWarning:
			r.Warnings++
		case SeverityInfo:
			r.Infos++
		}
	}
	r.Valid = r.Errors == 0
	return r
}

// IsValid reports whether no finding has error severity
func IsValid(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Blocking returns only the error findings
func Blocking(findings []Finding) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Severity == SeverityError {
			out = append(out, f)
		}
	}
	return out
}

func checkCanvas(c layout.CanvasSettings) []Finding {
	if c.CanvasSize == nil {
		return []Finding{{
			Severity:   SeverityError,
			Code:       CodeMissingCanvasSize,
			Message:    "El lienzo no tiene un tamaño definido",
			Suggestion: "Seleccione un tamaño de página",
		}}
	}
	if c.CanvasSize.Width < MinCanvasDimension || c.CanvasSize.Height < MinCanvasDimension {
		return []Finding{{
			Severity:   SeverityWarning,
			Code:       CodeCanvasTooSmall,
			Message:    fmt.Sprintf("El lienzo es muy pequeño (%gx%g)", c.CanvasSize.Width, c.CanvasSize.Height),
			Suggestion: fmt.Sprintf("Use al menos %dx%d", MinCanvasDimension, MinCanvasDimension),
		}}
	}
	return nil
}

func checkElement(e layout.Element, c layout.CanvasSettings) []Finding {
	var out []Finding
	add := func(s Severity, code Code, msg, suggestion string) {
		out = append(out, Finding{Severity: s, ElementID: e.ID, Code: code, Message: msg, Suggestion: suggestion})
	}

	if !e.Type.Valid() {
		add(SeverityError, CodeUnknownElementType,
			fmt.Sprintf("Tipo de elemento desconocido %q", e.Type),
			"Elimine el elemento")
	}

	if e.Position.X < 0 || e.Position.Y < 0 {
		add(SeverityError, CodeNegativePosition,
			"El elemento está fuera del área visible",
			"Mueva el elemento dentro del lienzo")
	}

	if c.CanvasSize != nil {
		r := e.Rect()
		if r.Right > c.CanvasSize.Width || r.Bottom > c.CanvasSize.Height {
			add(SeverityWarning, CodeOutOfBounds,
				"El elemento se extiende fuera del área imprimible",
				"Reduzca el tamaño o mueva el elemento")
		}
	}

	if !e.Size.Positive() {
		add(SeverityError, CodeInvalidSize,
			"El elemento tiene un tamaño inválido",
			"Asigne un ancho y alto mayores que cero")
	}

	switch e.Type {
	case layout.ElementText:
		style := e.Effective()
		if style.FontSize < MinFontSize {
			add(SeverityWarning, CodeFontTooSmall,
				fmt.Sprintf("Tamaño de fuente muy pequeño (%gpx), difícil de leer", style.FontSize),
				fmt.Sprintf("Use al menos %dpx", MinFontSize))
		}
		if style.FontSize > MaxFontSize {
			add(SeverityWarning, CodeFontTooLarge,
				fmt.Sprintf("Tamaño de fuente excesivo (%gpx)", style.FontSize),
				fmt.Sprintf("Use como máximo %dpx", MaxFontSize))
		}
		// exact string comparison only; near-identical colors are not detected
		if style.Color == c.BackgroundColor {
			add(SeverityError, CodeInvisibleText,
				"El color del texto es igual al fondo, el texto será invisible",
				"Cambie el color del texto")
		}
		if strings.TrimSpace(e.Content) == "" {
			add(SeverityInfo, CodeEmptyText,
				"El elemento de texto está vacío",
				"Agregue contenido o elimine el elemento")
		}
	case layout.ElementQR:
		if side := min(e.Size.Width, e.Size.Height); side < MinQRSide {
			add(SeverityWarning, CodeQRTooSmall,
				fmt.Sprintf("El código QR es muy pequeño (%gpx) y puede no ser legible", side),
				fmt.Sprintf("Use al menos %dx%d", MinQRSide, MinQRSide))
		}
	}
	return out
}

func checkOverlaps(visible []layout.Element) []Finding {
	var out []Finding
	for i := 0; i < len(visible); i++ {
		for j := i + 1; j < len(visible); j++ {
			a, b := visible[i], visible[j]
			if !geometry.Intersects(a.Rect(), b.Rect()) {
				continue
			}
			out = append(out, Finding{
				Severity:   SeverityWarning,
				ElementID:  a.ID,
				RelatedID:  b.ID,
				Code:       CodeElementOverlap,
				Message:    fmt.Sprintf("Los elementos %s y %s se superponen", a.ID, b.ID),
				Suggestion: "Verifique que la superposición sea intencional",
			})
		}
	}
	return out
}

type requirement struct {
	code     Code
	severity Severity
	markers  []string
	dateType bool
	message  string
}

var requirements = []requirement{
	{CodeMissingPatientInfo, SeverityError, []string{"{{patientName}}", "[NOMBRE DEL PACIENTE]"}, false,
		"Falta el nombre del paciente"},
	{CodeMissingDoctorInfo, SeverityError, []string{"{{doctorName}}", "[NOMBRE DEL MÉDICO]"}, false,
		"Falta el nombre del médico"},
	{CodeMissingMedications, SeverityError, []string{"{{medications}}", "[MEDICAMENTO]"}, false,
		"Faltan los medicamentos"},
	{CodeMissingDate, SeverityWarning, []string{"{{date}}", "[FECHA]"}, true,
		"Falta la fecha de la receta"},
}

// checkCompleteness looks at every element regardless of visibility: a hidden
// field still counts as present in the template.
func checkCompleteness(elements []layout.Element) []Finding {
	var out []Finding
	for _, req := range requirements {
		if satisfied(req, elements) {
			continue
		}
		out = append(out, Finding{
			Severity:   req.severity,
			Code:       req.code,
			Message:    req.message,
			Suggestion: fmt.Sprintf("Agregue un elemento con %s", req.markers[0]),
		})
	}
	return out
}

func satisfied(req requirement, elements []layout.Element) bool {
	for _, e := range elements {
		if req.dateType && e.Type == layout.ElementDate {
			return true
		}
		for _, m := range req.markers {
			if strings.Contains(e.Content, m) {
				return true
			}
		}
	}
	return false
}
