package render

import (
	"fmt"
	"html/template"
	"io"

	"github.com/drfirst/go-rxlayout/internal/layout"
)

var pageTemplate = template.Must(template.New("page").Funcs(template.FuncMap{
	"css":   nodeCSS,
	"src":   func(n Node) template.URL { return template.URL(imageHref(n)) },
	"glyph": iconGlyph,
	"bold":  func(i int) bool { return i == 0 },
}).Parse(`<!DOCTYPE html>
<html lang="es">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
@page { size: {{.Width}}px {{.Height}}px; margin: 0; }
* { box-sizing: border-box; -webkit-print-color-adjust: exact; print-color-adjust: exact; }
html, body { margin: 0; padding: 0; }
.page { position: relative; overflow: hidden; width: {{.Width}}px; height: {{.Height}}px; background: {{.Background}}; }
.el { position: absolute; white-space: pre-wrap; overflow: hidden; }
.placeholder { display: flex; align-items: center; justify-content: center; border: 1px dashed #9ca3af; background: #f3f4f6; color: #6b7280; font-size: 12px; }
.selected { outline: 2px dashed #2563eb; outline-offset: 2px; }
table { width: 100%; height: 100%; border-collapse: collapse; }
td { border: 0.5px solid currentColor; padding: 2px 4px; }
img { width: 100%; height: 100%; object-fit: contain; }
.signature { display: flex; flex-direction: column; justify-content: flex-end; }
.signature .label { border-top: 1px solid #000; }
</style>
</head>
<body>
<div class="page" data-target="{{.Target}}">
{{- range .Nodes}}
<div class="el{{if .Selected}} selected{{end}}{{if eq .Kind "placeholder"}} placeholder{{end}}{{if eq .Kind "signature"}} signature{{end}}" data-id="{{.ElementID}}" style="{{css .}}">
{{- if eq .Kind "table"}}<table>{{range $i, $row := .Rows}}<tr>{{range $row}}{{if bold $i}}<th>{{.}}</th>{{else}}<td>{{.}}</td>{{end}}{{end}}</tr>{{end}}</table>
{{- else if eq .Kind "image"}}{{if or .Image .ImageRef}}<img src="{{src .}}" alt="">{{end}}
{{- else if eq .Kind "signature"}}{{if .Image}}<img src="{{src .}}" alt="">{{end}}<div class="label">{{.Text}}</div>
{{- else if eq .Kind "icon"}}{{glyph .IconType}}
{{- else}}{{.Text}}{{end -}}
</div>
{{- end}}
</div>
</body>
</html>
`))

type pageData struct {
	Title      string
	Target     Target
	Width      int
	Height     int
	Background template.CSS
	Nodes      []Node
}

// EncodeHTML writes doc as a single print-ready HTML page with absolutely
// positioned elements
func EncodeHTML(w io.Writer, doc Document, title string) error {
	data := pageData{
		Title:      title,
		Target:     doc.Target,
		Width:      px(doc.Size.Width),
		Height:     px(doc.Size.Height),
		Background: template.CSS(paint(doc.Background, "#ffffff")),
		Nodes:      doc.Nodes,
	}
	if err := pageTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("execute page template: %w", err)
	}
	return nil
}

func nodeCSS(n Node) template.CSS {
	b := n.Bounds
	css := fmt.Sprintf("left:%gpx;top:%gpx;width:%gpx;height:%gpx;z-index:%d;", b.Left, b.Top, b.Width(), b.Height(), n.ZIndex)
	s := n.Style
	css += fmt.Sprintf("font-size:%gpx;font-family:%s;color:%s;font-weight:%s;font-style:%s;text-decoration:%s;text-align:%s;line-height:%g;",
		s.FontSize, cssValue(s.FontFamily), paint(s.Color, "#000000"), cssValue(string(s.FontWeight)),
		cssValue(string(s.FontStyle)), cssValue(string(s.TextDecoration)), cssValue(string(s.TextAlign)), s.LineHeight)

	switch n.Kind {
	case KindBox:
		css += "border:1px solid " + paint(n.BorderColor, "transparent") + ";"
		css += "background:" + paint(n.BackgroundColor, "transparent") + ";"
	case KindRule:
		css += "background:" + paint(n.BackgroundColor, "#000000") + ";"
	default:
		if bg := cssValue(n.BackgroundColor); bg != "" {
			css += "background:" + bg + ";"
		}
	}
	if n.Type == layout.ElementIcon {
		css += "display:flex;align-items:center;justify-content:center;"
	}
	return template.CSS(css)
}
