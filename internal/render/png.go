package render

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/drfirst/go-rxlayout/internal/layout"
)

var (
	fontsOnce sync.Once
	fonts     map[string]*truetype.Font
	fontsErr  error
)

func loadFonts() (map[string]*truetype.Font, error) {
	fontsOnce.Do(func() {
		fonts = make(map[string]*truetype.Font, 3)
		for name, data := range map[string][]byte{
			"regular": goregular.TTF,
			"bold":    gobold.TTF,
			"italic":  goitalic.TTF,
		} {
			f, err := truetype.Parse(data)
			if err != nil {
				fontsErr = fmt.Errorf("parse %s font: %w", name, err)
				return
			}
			fonts[name] = f
		}
	})
	return fonts, fontsErr
}

// EncodePNG rasterizes doc at the given scale. Image references that are not
// embedded bytes are drawn as placeholders.
func EncodePNG(w io.Writer, doc Document, scale float64) error {
	if scale <= 0 {
		scale = 1
	}
	faces, err := loadFonts()
	if err != nil {
		return err
	}

	dc := gg.NewContext(px(doc.Size.Width*scale), px(doc.Size.Height*scale))
	dc.SetColor(parseColor(doc.Background, color.White))
	dc.Clear()
	dc.Scale(scale, scale)

	for _, n := range doc.Nodes {
		b := n.Bounds
		x, y, width, height := b.Left, b.Top, b.Width(), b.Height()

		switch n.Kind {
		case KindBox:
			dc.DrawRectangle(x, y, width, height)
			if fill := parseColor(n.BackgroundColor, nil); fill != nil {
				dc.SetColor(fill)
				dc.FillPreserve()
			}
			dc.SetColor(parseColor(n.BorderColor, color.Transparent))
			dc.SetLineWidth(1)
			dc.Stroke()
			drawText(dc, faces, n, n.Style)
		case KindRule:
			dc.SetColor(parseColor(n.BackgroundColor, color.Black))
			dc.DrawRectangle(x, y, width, height)
			dc.Fill()
		case KindTable:
			drawTable(dc, faces, n)
		case KindImage:
			if len(n.Image) == 0 || !drawImage(dc, n.Image, x, y, width, height) {
				drawPlaceholder(dc, faces, n, "IMG")
			}
		case KindPlaceholder:
			drawPlaceholder(dc, faces, n, n.Text)
		case KindSignature:
			label := n.Style.FontSize + 4
			if len(n.Image) > 0 {
				drawImage(dc, n.Image, x, y, width, height-label)
			}
			dc.SetColor(color.Black)
			dc.SetLineWidth(1)
			dc.DrawLine(x, y+height-label, x+width, y+height-label)
			dc.Stroke()
			drawLines(dc, faces, []string{n.Text}, n.Style, x, y+height-n.Style.FontSize-2, width)
		case KindIcon:
			r := min(width, height) / 2
			dc.SetColor(parseColor(n.Style.Color, color.Black))
			dc.SetLineWidth(1)
			dc.DrawCircle(x+width/2, y+height/2, r-0.5)
			dc.Stroke()
		default:
			drawText(dc, faces, n, n.Style)
		}

		if n.Selected {
			dc.SetColor(color.RGBA{R: 0x25, G: 0x63, B: 0xeb, A: 0xff})
			dc.SetLineWidth(2)
			dc.SetDash(5, 3)
			dc.DrawRectangle(x-2, y-2, width+4, height+4)
			dc.Stroke()
			dc.SetDash()
		}
	}

	return dc.EncodePNG(w)
}

func face(faces map[string]*truetype.Font, s layout.TextStyle) font.Face {
	f := faces["regular"]
	switch {
	case s.FontWeight == layout.FontWeightBold:
		f = faces["bold"]
	case s.FontStyle == layout.FontStyleItalic:
		f = faces["italic"]
	}
	return truetype.NewFace(f, &truetype.Options{
		Size:    s.FontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
}

func drawText(dc *gg.Context, faces map[string]*truetype.Font, n Node, s layout.TextStyle) {
	if n.Text == "" {
		return
	}
	dc.SetFontFace(face(faces, s))
	var lines []string
	for _, para := range strings.Split(n.Text, "\n") {
		wrapped := dc.WordWrap(para, n.Bounds.Width())
		if len(wrapped) == 0 {
			wrapped = []string{""}
		}
		lines = append(lines, wrapped...)
	}
	drawLines(dc, faces, lines, s, n.Bounds.Left, n.Bounds.Top, n.Bounds.Width())
}

func drawLines(dc *gg.Context, faces map[string]*truetype.Font, lines []string, s layout.TextStyle, x, top, width float64) {
	dc.SetFontFace(face(faces, s))
	dc.SetColor(parseColor(s.Color, color.Black))
	ax, left := 0.0, x
	switch s.TextAlign {
	case layout.TextAlignCenter:
		ax, left = 0.5, x+width/2
	case layout.TextAlignRight:
		ax, left = 1, x+width
	}
	step := s.FontSize * s.LineHeight
	for i, line := range lines {
		baseline := top + s.FontSize + float64(i)*step
		dc.DrawStringAnchored(line, left, baseline, ax, 0)
		if s.TextDecoration == layout.TextDecorationUnderline {
			w, _ := dc.MeasureString(line)
			dc.SetLineWidth(1)
			dc.DrawLine(left-ax*w, baseline+2, left-ax*w+w, baseline+2)
			dc.Stroke()
		}
	}
}

func drawTable(dc *gg.Context, faces map[string]*truetype.Font, n Node) {
	if len(n.Rows) == 0 {
		return
	}
	b := n.Bounds
	rowH := b.Height() / float64(len(n.Rows))
	border := parseColor(n.BorderColor, color.Black)
	for r, row := range n.Rows {
		if len(row) == 0 {
			continue
		}
		colW := b.Width() / float64(len(row))
		style := n.Style
		if r == 0 {
			style.FontWeight = layout.FontWeightBold
		}
		for c, cell := range row {
			cx, cy := b.Left+float64(c)*colW, b.Top+float64(r)*rowH
			dc.SetColor(border)
			dc.SetLineWidth(0.5)
			dc.DrawRectangle(cx, cy, colW, rowH)
			dc.Stroke()
			drawLines(dc, faces, []string{cell}, style, cx+4, cy+(rowH-style.FontSize)/2, colW-8)
		}
	}
}

func drawPlaceholder(dc *gg.Context, faces map[string]*truetype.Font, n Node, label string) {
	b := n.Bounds
	dc.SetColor(color.RGBA{R: 0xf3, G: 0xf4, B: 0xf6, A: 0xff})
	dc.DrawRectangle(b.Left, b.Top, b.Width(), b.Height())
	dc.FillPreserve()
	dc.SetColor(color.RGBA{R: 0x9c, G: 0xa3, B: 0xaf, A: 0xff})
	dc.SetLineWidth(1)
	dc.SetDash(4, 2)
	dc.Stroke()
	dc.SetDash()

	dc.SetFontFace(face(faces, layout.TextStyle{FontSize: 12}))
	dc.SetColor(color.RGBA{R: 0x6b, G: 0x72, B: 0x80, A: 0xff})
	dc.DrawStringAnchored(label, b.Left+b.Width()/2, b.Top+b.Height()/2, 0.5, 0.5)
}

// drawImage fits the encoded image into the box, keeping its aspect ratio
func drawImage(dc *gg.Context, data []byte, x, y, width, height float64) bool {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil || width < 1 || height < 1 {
		return false
	}
	fitted := imaging.Fit(img, int(width), int(height), imaging.Lanczos)
	size := fitted.Bounds().Size()
	ox := x + (width-float64(size.X))/2
	oy := y + (height-float64(size.Y))/2
	dc.DrawImage(fitted, int(ox), int(oy))
	return true
}

// parseColor understands #rgb, #rrggbb, #rrggbbaa, rgb(), rgba() and a few
// names. Anything else yields fallback.
func parseColor(s string, fallback color.Color) color.Color {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return fallback
	case "transparent":
		return color.Transparent
	case "white":
		return color.White
	case "black":
		return color.Black
	}

	if strings.HasPrefix(s, "#") {
		hex := s[1:]
		if len(hex) == 3 || len(hex) == 4 {
			var expanded strings.Builder
			for _, r := range hex {
				expanded.WriteRune(r)
				expanded.WriteRune(r)
			}
			hex = expanded.String()
		}
		if len(hex) == 6 {
			hex += "ff"
		}
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil || len(hex) != 8 {
			return fallback
		}
		return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}
	}

	if strings.HasPrefix(s, "rgb") {
		open, end := strings.IndexByte(s, '('), strings.IndexByte(s, ')')
		if open < 0 || end < open {
			return fallback
		}
		parts := strings.Split(s[open+1:end], ",")
		if len(parts) < 3 {
			return fallback
		}
		var rgb [3]uint8
		for i := 0; i < 3; i++ {
			v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
			if err != nil {
				return fallback
			}
			rgb[i] = uint8(max(0, min(255, v)))
		}
		alpha := uint8(255)
		if len(parts) == 4 {
			if a, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64); err == nil {
				alpha = uint8(max(0, min(1, a)) * 255)
			}
		}
		return color.NRGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: alpha}
	}
	return fallback
}
