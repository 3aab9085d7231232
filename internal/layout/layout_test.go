package layout

import (
	"errors"
	"testing"

	"github.com/drfirst/go-rxlayout/internal/geometry"
)

func mustAdd(t *testing.T, l *Layout, typ ElementType, x, y float64) Element {
	t.Helper()
	e, err := NewElement(typ, geometry.Position{X: x, Y: y})
	if err != nil {
		t.Fatalf("NewElement(%s): %v", typ, err)
	}
	added, err := l.AddElement(e)
	if err != nil {
		t.Fatalf("AddElement(%s): %v", typ, err)
	}
	return added
}

func TestAddElementAssignsTopZIndex(t *testing.T) {
	l := New("test", PageA4, Landscape)

	a := mustAdd(t, l, ElementText, 0, 0)
	b := mustAdd(t, l, ElementBox, 10, 10)
	if a.ZIndex != 1 || b.ZIndex != 2 {
		t.Fatalf("zIndex = %d, %d; want 1, 2", a.ZIndex, b.ZIndex)
	}

	if err := l.BringToFront(a.ID); err != nil {
		t.Fatalf("BringToFront: %v", err)
	}
	c := mustAdd(t, l, ElementQR, 20, 20)
	if c.ZIndex != 4 {
		t.Errorf("zIndex after BringToFront = %d, want 4", c.ZIndex)
	}
}

func TestRemoveElementKeepsGaps(t *testing.T) {
	l := New("test", PageA4, Portrait)
	a := mustAdd(t, l, ElementText, 0, 0)
	b := mustAdd(t, l, ElementText, 0, 40)
	c := mustAdd(t, l, ElementText, 0, 80)

	if err := l.RemoveElement(b.ID); err != nil {
		t.Fatalf("RemoveElement: %v", err)
	}
	if len(l.Elements) != 2 {
		t.Fatalf("len = %d, want 2", len(l.Elements))
	}
	if got, _ := l.Element(a.ID); got.ZIndex != 1 {
		t.Errorf("a.ZIndex = %d, want 1", got.ZIndex)
	}
	if got, _ := l.Element(c.ID); got.ZIndex != 3 {
		t.Errorf("c.ZIndex = %d, want 3 (no renumbering)", got.ZIndex)
	}

	if err := l.RemoveElement(b.ID); !errors.Is(err, ErrElementNotFound) {
		t.Errorf("second RemoveElement err = %v, want ErrElementNotFound", err)
	}
}

func TestAddElementRejectsDuplicatesAndUnknownTypes(t *testing.T) {
	l := New("test", PageA4, Portrait)
	e := mustAdd(t, l, ElementText, 0, 0)

	if _, err := l.AddElement(e); !errors.Is(err, ErrDuplicateElement) {
		t.Errorf("duplicate err = %v, want ErrDuplicateElement", err)
	}
	if _, err := l.AddElement(Element{Type: "hologram"}); !errors.Is(err, ErrUnknownElementType) {
		t.Errorf("unknown type err = %v, want ErrUnknownElementType", err)
	}
	if _, err := ParseElementType("qr"); err != nil {
		t.Errorf("ParseElementType(qr): %v", err)
	}
}

func TestLockedElementCannotMoveOrResize(t *testing.T) {
	l := New("test", PageA4, Portrait)
	e := mustAdd(t, l, ElementLogo, 10, 10)
	if err := l.UpdateElement(e.ID, func(el *Element) { el.IsLocked = true }); err != nil {
		t.Fatalf("UpdateElement: %v", err)
	}

	if err := l.MoveElement(e.ID, geometry.Position{X: 50, Y: 50}); !errors.Is(err, ErrElementLocked) {
		t.Errorf("MoveElement err = %v, want ErrElementLocked", err)
	}
	if err := l.ResizeElement(e.ID, geometry.Size{Width: 1, Height: 1}); !errors.Is(err, ErrElementLocked) {
		t.Errorf("ResizeElement err = %v, want ErrElementLocked", err)
	}
	got, _ := l.Element(e.ID)
	if got.Position != (geometry.Position{X: 10, Y: 10}) {
		t.Errorf("position changed to %+v", got.Position)
	}
}

func TestUpdateElementPreservesIdentity(t *testing.T) {
	l := New("test", PageA4, Portrait)
	e := mustAdd(t, l, ElementText, 0, 0)

	err := l.UpdateElement(e.ID, func(el *Element) {
		el.ID = "hijacked"
		el.Type = ElementQR
		el.Content = "Paciente: {{patientName}}"
	})
	if err != nil {
		t.Fatalf("UpdateElement: %v", err)
	}
	got, ok := l.Element(e.ID)
	if !ok {
		t.Fatal("element lost its id")
	}
	if got.Type != ElementText {
		t.Errorf("type = %s, want text", got.Type)
	}
	if got.Content != "Paciente: {{patientName}}" {
		t.Errorf("content = %q", got.Content)
	}
}

func TestCloneIsDeep(t *testing.T) {
	l := New("test", PageA4, Landscape)
	e := mustAdd(t, l, ElementText, 0, 0)

	c := l.Clone()
	c.Elements[0].Content = "changed"
	c.CanvasSettings.CanvasSize.Width = 1

	if got, _ := l.Element(e.ID); got.Content == "changed" {
		t.Error("clone shares element storage")
	}
	if l.CanvasSettings.CanvasSize.Width != 1123 {
		t.Errorf("clone shares canvas size, width = %v", l.CanvasSettings.CanvasSize.Width)
	}
}

func TestPaintOrderIsStable(t *testing.T) {
	elements := []Element{
		{ID: "a", ZIndex: 2},
		{ID: "b", ZIndex: 1},
		{ID: "c", ZIndex: 2},
		{ID: "d", ZIndex: 0},
	}
	got := PaintOrder(elements)
	want := []string{"d", "b", "a", "c"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("PaintOrder[%d] = %s, want %s (full: %v)", i, got[i].ID, id, got)
		}
	}
	if elements[0].ID != "a" {
		t.Error("PaintOrder mutated its input")
	}
}

func TestFirstVisibleFollowsPaintOrder(t *testing.T) {
	elements := []Element{
		{ID: "top", Type: ElementQR, ZIndex: 5, IsVisible: true},
		{ID: "hidden", Type: ElementQR, ZIndex: 0},
		{ID: "text", Type: ElementText, ZIndex: 1, IsVisible: true},
		{ID: "bottom", Type: ElementQR, ZIndex: 2, IsVisible: true},
	}
	got, ok := FirstVisible(elements, ElementQR)
	if !ok || got.ID != "bottom" {
		t.Errorf("FirstVisible = %q, %v; want bottom", got.ID, ok)
	}
	if _, ok := FirstVisible(elements, ElementLogo); ok {
		t.Error("found a logo that is not there")
	}
}

func TestNewElementDefaults(t *testing.T) {
	tests := []struct {
		typ     ElementType
		size    geometry.Size
		content string
	}{
		{ElementText, geometry.Size{Width: 200, Height: 30}, "Nuevo texto"},
		{ElementLogo, geometry.Size{Width: 120, Height: 80}, LogoPlaceholder},
		{ElementQR, geometry.Size{Width: 100, Height: 100}, "QR"},
		{ElementSeparator, geometry.Size{Width: 400, Height: 2}, ""},
		{ElementTable, geometry.Size{Width: 400, Height: 120}, "Medicamento|Dosis|Frecuencia|Duración\n|||"},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			e, err := NewElement(tt.typ, geometry.Position{})
			if err != nil {
				t.Fatalf("NewElement: %v", err)
			}
			if e.Size != tt.size {
				t.Errorf("size = %+v, want %+v", e.Size, tt.size)
			}
			if e.Content != tt.content {
				t.Errorf("content = %q, want %q", e.Content, tt.content)
			}
			if !e.IsVisible || e.ID == "" {
				t.Errorf("new element should be visible with an id: %+v", e)
			}
		})
	}

	if got := DefaultSize("unknown"); got != (geometry.Size{Width: 100, Height: 30}) {
		t.Errorf("DefaultSize(unknown) = %+v", got)
	}
}

func TestEffectiveStyleMergesOverDefaults(t *testing.T) {
	e := Element{Style: TextStyle{FontSize: 20, Color: "#ff0000"}}
	s := e.Effective()
	if s.FontSize != 20 || s.Color != "#ff0000" {
		t.Errorf("override not applied: %+v", s)
	}
	if s.FontFamily != "Arial" || s.LineHeight != 1.2 || s.TextAlign != TextAlignLeft {
		t.Errorf("defaults not kept: %+v", s)
	}
}

func TestPageDimensions(t *testing.T) {
	if got := PageA4.Dimensions(Landscape); got != (geometry.Size{Width: 1123, Height: 794}) {
		t.Errorf("A4 landscape = %+v", got)
	}
	if got := PageLetter.Dimensions(Portrait); got != (geometry.Size{Width: 816, Height: 1056}) {
		t.Errorf("Letter portrait = %+v", got)
	}
}

func TestCatalogTemplatesAreFreshCopies(t *testing.T) {
	templates := Catalog()
	if len(templates) != 3 {
		t.Fatalf("len(Catalog()) = %d, want 3", len(templates))
	}
	for _, tpl := range templates {
		if tpl.Layout == nil || len(tpl.Layout.Elements) == 0 {
			t.Errorf("%s has no elements", tpl.Name)
		}
	}

	a, ok := LookupTemplate("classic-landscape")
	if !ok {
		t.Fatal("classic-landscape not found")
	}
	a.Layout.Elements[0].Content = "mutated"
	b, _ := LookupTemplate("classic-landscape")
	if b.Layout.Elements[0].Content == "mutated" {
		t.Error("LookupTemplate returned shared state")
	}
	if _, ok := LookupTemplate("nope"); ok {
		t.Error("unknown template found")
	}
}
