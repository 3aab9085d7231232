package geometry

import "testing"

func rect(x, y, w, h float64) Rect {
	return RectOf(Position{X: x, Y: y}, Size{Width: w, Height: h})
}

func TestIntersects(t *testing.T) {
	tests := []struct {
		name string
		a, b Rect
		want bool
	}{
		{"overlapping", rect(0, 0, 100, 100), rect(50, 50, 100, 100), true},
		{"disjoint", rect(0, 0, 100, 100), rect(200, 200, 100, 100), false},
		{"shared vertical edge", rect(0, 0, 100, 100), rect(100, 0, 100, 100), false},
		{"shared horizontal edge", rect(0, 0, 100, 100), rect(0, 100, 100, 100), false},
		{"contained", rect(0, 0, 100, 100), rect(10, 10, 10, 10), true},
		{"zero width", rect(10, 10, 0, 50), rect(0, 0, 100, 100), false},
		{"zero height", rect(0, 0, 100, 100), rect(10, 10, 50, 0), false},
		{"negative size", rect(50, 50, -20, -20), rect(0, 0, 100, 100), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Intersects(tt.a, tt.b); got != tt.want {
				t.Errorf("Intersects(a, b) = %v, want %v", got, tt.want)
			}
			if got := Intersects(tt.b, tt.a); got != tt.want {
				t.Errorf("Intersects(b, a) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIntersectsSymmetryGrid(t *testing.T) {
	var rects []Rect
	for x := -20.0; x <= 120; x += 35 {
		for w := 0.0; w <= 60; w += 30 {
			rects = append(rects, rect(x, x/2, w, 40))
		}
	}
	for i, a := range rects {
		for j, b := range rects {
			if Intersects(a, b) != Intersects(b, a) {
				t.Fatalf("asymmetric result for rects %d and %d: %+v %+v", i, j, a, b)
			}
		}
	}
}

func TestRectContains(t *testing.T) {
	r := rect(10, 10, 20, 20)
	if !r.Contains(Position{X: 10, Y: 10}) {
		t.Error("top-left corner should be inside")
	}
	if r.Contains(Position{X: 30, Y: 15}) {
		t.Error("right edge should be exclusive")
	}
	if r.Contains(Position{X: 5, Y: 15}) {
		t.Error("point left of rect should be outside")
	}
}

func TestPositionClampMin(t *testing.T) {
	p := Position{X: -4, Y: 12}.ClampMin(0)
	if p.X != 0 || p.Y != 12 {
		t.Errorf("ClampMin = %+v, want {0 12}", p)
	}
}
