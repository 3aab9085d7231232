// Package render turns a layout and a binding context into an ordered list of
// visual nodes for the editor, preview or print surfaces.
package render

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/drfirst/go-rxlayout/internal/binding"
	"github.com/drfirst/go-rxlayout/internal/geometry"
	"github.com/drfirst/go-rxlayout/internal/layout"
)

// Target is the output surface
type Target string

const (
	TargetEditor  Target = "editor"
	TargetPreview Target = "preview"
	TargetPrint   Target = "print"
)

// ParseTarget converts a raw value into a Target
func ParseTarget(s string) (Target, error) {
	switch t := Target(s); t {
	case TargetEditor, TargetPreview, TargetPrint:
		return t, nil
	case "":
		return TargetPreview, nil
	default:
		return "", fmt.Errorf("unknown render target %q", s)
	}
}

// Kind is how a node is drawn
type Kind string

const (
	KindText        Kind = "text"
	KindBox         Kind = "box"
	KindRule        Kind = "rule"
	KindTable       Kind = "table"
	KindIcon        Kind = "icon"
	KindImage       Kind = "image"
	KindPlaceholder Kind = "placeholder"
	KindSignature   Kind = "signature"
)

// QRPlaceholder is drawn where a QR image could not be produced
const QRPlaceholder = "QR"

// Node is one drawable unit. Rows holds table cells; the first row is the header.
type Node struct {
	ElementID       string             `json:"elementId"`
	Type            layout.ElementType `json:"type"`
	Kind            Kind               `json:"kind"`
	Bounds          geometry.Rect      `json:"bounds"`
	ZIndex          int                `json:"zIndex"`
	Text            string             `json:"text,omitempty"`
	Rows            [][]string         `json:"rows,omitempty"`
	ImageRef        string             `json:"imageRef,omitempty"`
	Image           []byte             `json:"image,omitempty"`
	IconType        string             `json:"iconType,omitempty"`
	Style           layout.TextStyle   `json:"style"`
	BorderColor     string             `json:"borderColor,omitempty"`
	BackgroundColor string             `json:"backgroundColor,omitempty"`
	Selected        bool               `json:"selected,omitempty"`
	Locked          bool               `json:"locked,omitempty"`
}

// Document is the render output for one surface
type Document struct {
	Target     Target        `json:"target"`
	Size       geometry.Size `json:"size"`
	Background string        `json:"background"`
	Nodes      []Node        `json:"nodes"`
}

// Options carries per-render inputs that are not part of the layout
type Options struct {
	Clock          Clock
	Selected       string
	QRImage        []byte
	SignatureImage []byte
	// Resolved marks element content as already bound. Placeholders are
	// not substituted again and date and time bindings in ctx are kept.
	Resolved bool
}

func (o Options) clock() Clock {
	if o.Clock == nil {
		return SystemClock{}
	}
	return o.Clock
}

// Render produces the document for l
func Render(l *layout.Layout, ctx binding.Context, target Target, opts Options) (Document, error) {
	return RenderElements(l.Elements, l.CanvasSettings, ctx, target, opts)
}

// RenderElements produces one node per visible element in paint order.
// Unresolved placeholders are kept verbatim. An unknown element type is a
// defect and aborts the render.
func RenderElements(elements []layout.Element, canvas layout.CanvasSettings, ctx binding.Context, target Target, opts Options) (Document, error) {
	if opts.Resolved {
		ctx = frozenBindings(ctx, opts.clock())
	} else {
		ctx = Bindings(ctx, opts.clock())
	}

	doc := Document{
		Target:     target,
		Background: canvas.BackgroundColor,
		Nodes:      make([]Node, 0, len(elements)),
	}
	if canvas.CanvasSize != nil {
		doc.Size = *canvas.CanvasSize
	} else {
		doc.Size = canvas.PageSize.Dimensions(layout.Portrait)
	}

	for _, e := range layout.PaintOrder(elements) {
		if !e.IsVisible {
			continue
		}
		n, err := renderElement(e, ctx, opts)
		if err != nil {
			return Document{}, err
		}
		n.Selected = e.ID == opts.Selected
		n.Locked = e.IsLocked
		doc.Nodes = append(doc.Nodes, n)
	}

	if target == TargetPrint {
		applyPrintOverrides(&doc)
	}
	return doc, nil
}

// Bindings returns ctx with date and time stamped from clock. Date and time
// always show render time; only a snapshot replay keeps earlier stamps.
func Bindings(ctx binding.Context, clock Clock) binding.Context {
	out := ctx.Clone()
	if out == nil {
		out = binding.Context{}
	}
	out.Stamp(clock.Now())
	return out
}

// frozenBindings keeps the date and time already in ctx and falls back to
// clock for a missing one
func frozenBindings(ctx binding.Context, clock Clock) binding.Context {
	out := ctx.Clone()
	if out == nil {
		out = binding.Context{}
	}
	now := clock.Now()
	if _, ok := out[binding.KeyDate]; !ok {
		out[binding.KeyDate] = now.Format(binding.DateFormat)
	}
	if _, ok := out[binding.KeyTime]; !ok {
		out[binding.KeyTime] = now.Format(binding.TimeFormat)
	}
	return out
}

func renderElement(e layout.Element, ctx binding.Context, opts Options) (Node, error) {
	resolve := ctx.Resolve
	if opts.Resolved {
		resolve = func(content string) string { return content }
	}
	n := Node{
		ElementID:       e.ID,
		Type:            e.Type,
		Bounds:          e.Rect(),
		ZIndex:          e.ZIndex,
		Style:           e.Effective(),
		BorderColor:     e.BorderColor,
		BackgroundColor: e.BackgroundColor,
	}

	switch e.Type {
	case layout.ElementText:
		n.Kind = KindText
		n.Text = resolve(e.Content)
	case layout.ElementBox:
		n.Kind = KindBox
		n.Text = resolve(e.Content)
	case layout.ElementSeparator:
		n.Kind = KindRule
		n.Text = resolve(e.Content)
	case layout.ElementTable:
		n.Kind = KindTable
		n.Rows = ParseTable(resolve(e.Content))
	case layout.ElementIcon:
		n.Kind = KindIcon
		n.IconType = e.IconType
		n.Text = resolve(e.Content)
	case layout.ElementLogo:
		if e.Content == layout.LogoPlaceholder || strings.TrimSpace(e.Content) == "" {
			n.Kind = KindPlaceholder
			n.Text = layout.LogoPlaceholder
		} else {
			n.Kind = KindImage
			n.ImageRef = e.Content
		}
	case layout.ElementSignature:
		n.Kind = KindSignature
		n.Text = resolve(e.Content)
		n.Image = opts.SignatureImage
	case layout.ElementQR:
		if len(opts.QRImage) > 0 {
			n.Kind = KindImage
			n.Image = opts.QRImage
		} else {
			n.Kind = KindPlaceholder
			n.Text = QRPlaceholder
		}
	case layout.ElementDate:
		n.Kind = KindText
		n.Text = ctx[binding.KeyDate]
	case layout.ElementTime:
		n.Kind = KindText
		n.Text = ctx[binding.KeyTime]
	default:
		return Node{}, fmt.Errorf("%w: %q on element %s", layout.ErrUnknownElementType, e.Type, e.ID)
	}
	return n, nil
}

// ParseTable splits newline separated rows of pipe delimited cells
func ParseTable(content string) [][]string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	rows := make([][]string, 0, len(lines))
	for _, line := range lines {
		cells := strings.Split(line, "|")
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		rows = append(rows, cells)
	}
	return rows
}

var (
	rgbaPattern    = regexp.MustCompile(`^rgba\(\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*,\s*[\d.]+\s*\)$`)
	hexAlphaLength = len("#rrggbbaa")
)

// Print output: white page, no translucency, no interactive decoration.
func applyPrintOverrides(doc *Document) {
	doc.Background = "#ffffff"
	for i := range doc.Nodes {
		n := &doc.Nodes[i]
		n.Selected = false
		n.Locked = false
		n.Style.Color = opaque(n.Style.Color)
		n.BorderColor = opaque(n.BorderColor)
		n.BackgroundColor = opaque(n.BackgroundColor)
	}
}

// opaque drops the alpha channel of a color. Transparent stays unpainted.
func opaque(c string) string {
	c = strings.TrimSpace(c)
	switch {
	case c == "" || strings.EqualFold(c, "transparent"):
		return ""
	case strings.HasPrefix(c, "#") && len(c) == hexAlphaLength:
		return c[:7]
	case strings.HasPrefix(c, "#") && len(c) == 5:
		return c[:4]
	}
	if m := rgbaPattern.FindStringSubmatch(c); m != nil {
		return fmt.Sprintf("rgb(%s, %s, %s)", m[1], m[2], m[3])
	}
	return c
}
