package render

import (
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"math"
	"net/http"
	"strings"
	"unicode"

	svg "github.com/ajstarks/svgo"

	"github.com/drfirst/go-rxlayout/internal/layout"
)

// EncodeSVG writes doc as a standalone SVG document
func EncodeSVG(w io.Writer, doc Document) error {
	ew := &errWriter{w: w}
	canvas := svg.New(ew)
	canvas.Start(px(doc.Size.Width), px(doc.Size.Height))
	canvas.Rect(0, 0, px(doc.Size.Width), px(doc.Size.Height), "fill:"+paint(doc.Background, "#ffffff"))

	for _, n := range doc.Nodes {
		x, y := px(n.Bounds.Left), px(n.Bounds.Top)
		w, h := px(n.Bounds.Width()), px(n.Bounds.Height())
		canvas.Gid(n.ElementID)

		switch n.Kind {
		case KindBox:
			canvas.Rect(x, y, w, h, fmt.Sprintf("fill:%s;stroke:%s;stroke-width:1",
				paint(n.BackgroundColor, "none"), paint(n.BorderColor, "none")))
			svgText(canvas, n)
		case KindRule:
			canvas.Rect(x, y, w, h, "fill:"+paint(n.BackgroundColor, "#000000"))
		case KindTable:
			svgTable(canvas, n)
		case KindImage:
			if href := svgHref(n); href != "" {
				canvas.Image(x, y, w, h, href, `preserveAspectRatio="xMidYMid meet"`)
			}
		case KindPlaceholder:
			canvas.Rect(x, y, w, h, "fill:#f3f4f6;stroke:#9ca3af;stroke-dasharray:4,2")
			canvas.Text(x+w/2, y+h/2, n.Text, "text-anchor:middle;dominant-baseline:middle;font-size:12px;fill:#6b7280")
		case KindSignature:
			if href := svgHref(n); href != "" {
				canvas.Image(x, y, w, h-px(n.Style.FontSize)-4, href)
			}
			canvas.Line(x, y+h-px(n.Style.FontSize)-2, x+w, y+h-px(n.Style.FontSize)-2, "stroke:#000000;stroke-width:1")
			canvas.Text(anchorX(n, x, w), y+h-2, n.Text, textStyle(n.Style))
		case KindIcon:
			r := min(w, h) / 2
			canvas.Circle(x+w/2, y+h/2, r, "fill:none;stroke:"+paint(n.Style.Color, "#000000"))
			canvas.Text(x+w/2, y+h/2, iconGlyph(n.IconType), "text-anchor:middle;dominant-baseline:middle;font-size:"+fmt.Sprint(r)+"px")
		default:
			svgText(canvas, n)
		}

		if n.Selected {
			canvas.Rect(x-2, y-2, w+4, h+4, "fill:none;stroke:#2563eb;stroke-width:2;stroke-dasharray:5,3")
		}
		canvas.Gend()
	}

	canvas.End()
	return ew.err
}

func svgText(canvas *svg.SVG, n Node) {
	if n.Text == "" {
		return
	}
	x, w := px(n.Bounds.Left), px(n.Bounds.Width())
	lineHeight := n.Style.FontSize * n.Style.LineHeight
	for i, line := range strings.Split(n.Text, "\n") {
		baseline := n.Bounds.Top + n.Style.FontSize + float64(i)*lineHeight
		canvas.Text(anchorX(n, x, w), px(baseline), line, textStyle(n.Style))
	}
}

func svgTable(canvas *svg.SVG, n Node) {
	if len(n.Rows) == 0 {
		return
	}
	x, y := px(n.Bounds.Left), px(n.Bounds.Top)
	w := px(n.Bounds.Width())
	rowH := px(n.Bounds.Height()) / len(n.Rows)
	border := paint(n.BorderColor, "#000000")
	for r, row := range n.Rows {
		if len(row) == 0 {
			continue
		}
		colW := w / len(row)
		style := n.Style
		if r == 0 {
			style.FontWeight = layout.FontWeightBold
		}
		for c, cell := range row {
			cx, cy := x+c*colW, y+r*rowH
			canvas.Rect(cx, cy, colW, rowH, "fill:none;stroke:"+border+";stroke-width:0.5")
			canvas.Text(cx+4, cy+rowH/2, cell, textStyle(style)+";dominant-baseline:middle")
		}
	}
}

func textStyle(s layout.TextStyle) string {
	parts := []string{
		fmt.Sprintf("font-size:%gpx", s.FontSize),
		"font-family:" + cssValue(s.FontFamily),
		"fill:" + paint(s.Color, "#000000"),
		"font-weight:" + cssValue(string(s.FontWeight)),
		"font-style:" + cssValue(string(s.FontStyle)),
		"text-decoration:" + cssValue(string(s.TextDecoration)),
	}
	switch s.TextAlign {
	case layout.TextAlignCenter:
		parts = append(parts, "text-anchor:middle")
	case layout.TextAlignRight:
		parts = append(parts, "text-anchor:end")
	}
	return strings.Join(parts, ";")
}

func anchorX(n Node, x, w int) int {
	switch n.Style.TextAlign {
	case layout.TextAlignCenter:
		return x + w/2
	case layout.TextAlignRight:
		return x + w
	default:
		return x
	}
}

func imageHref(n Node) string {
	if len(n.Image) > 0 {
		return dataURI(n.Image)
	}
	ref := strings.TrimSpace(n.ImageRef)
	if strings.HasPrefix(strings.ToLower(ref), "javascript:") {
		return ""
	}
	return ref
}

// svgHref escapes the reference; svgo writes hrefs verbatim
func svgHref(n Node) string {
	return html.EscapeString(imageHref(n))
}

func dataURI(b []byte) string {
	return "data:" + http.DetectContentType(b) + ";base64," + base64.StdEncoding.EncodeToString(b)
}

func iconGlyph(iconType string) string {
	switch iconType {
	case "stethoscope":
		return "⚕"
	case "pill":
		return "℞"
	case "heart":
		return "♥"
	case "phone":
		return "☎"
	default:
		return "•"
	}
}

func paint(c, fallback string) string {
	if c = cssValue(c); c == "" {
		return fallback
	}
	return c
}

// cssValue keeps the characters a color or font name can hold. Anything that
// could close the style attribute or start another declaration is dropped.
func cssValue(v string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return r
		case strings.ContainsRune(" #%(),.-_'/", r):
			return r
		}
		return -1
	}, strings.TrimSpace(v))
}

func px(v float64) int {
	return int(math.Round(v))
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(p)
	e.err = err
	return n, err
}
