package wfs

import "testing"

func TestWindowAnchorsAndOffsets(t *testing.T) {
	g, err := NewSubapGrid(1, 1, 6, 6, []float32{10.25}, []float32{12.0}, nil, 32, 32)
	if err != nil {
		t.Fatal(err)
	}
	x0, y0, ox, oy := g.Window(0)
	if x0 != 7 || y0 != 9 {
		t.Errorf("anchor = (%d, %d), want (7, 9)", x0, y0)
	}
	if ox != 10.25-7-0.5 || oy != 12.0-9-0.5 {
		t.Errorf("offsets = (%v, %v), want (2.75, 2.5)", ox, oy)
	}
}

func TestRegularGridLayout(t *testing.T) {
	xc, yc := RegularGrid(3, 2, 5, 7, 6)
	if len(xc) != 6 || len(yc) != 6 {
		t.Fatalf("lengths = %d/%d, want 6", len(xc), len(yc))
	}
	// row-major: index 4 is column 1 of row 1
	if xc[4] != 5+6 || yc[4] != 7+6 {
		t.Errorf("center[4] = (%v, %v), want (11, 13)", xc[4], yc[4])
	}
}

func TestNumValid(t *testing.T) {
	xc, yc := RegularGrid(2, 2, 4, 4, 6)
	g, err := NewSubapGrid(2, 2, 4, 4, xc, yc, []uint8{1, 0, 1, 0}, 32, 32)
	if err != nil {
		t.Fatal(err)
	}
	if got := g.NumValid(); got != 2 {
		t.Errorf("NumValid = %d, want 2", got)
	}
	g, err = NewSubapGrid(2, 2, 4, 4, xc, yc, nil, 32, 32)
	if err != nil {
		t.Fatal(err)
	}
	if got := g.NumValid(); got != 4 {
		t.Errorf("NumValid without mask = %d, want 4", got)
	}
}

func TestNewSubapGridShortLUT(t *testing.T) {
	if _, err := NewSubapGrid(2, 2, 4, 4, []float32{4}, []float32{4}, nil, 32, 32); err == nil {
		t.Fatal("short LUT accepted")
	}
}
