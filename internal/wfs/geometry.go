package wfs

import (
	"fmt"
	"math"

	"github.com/ltao-data/centroider/internal/shm"
)

// SubapGrid is the static geometry of one Shack-Hartmann sensor: the
// fractional pixel center of every subaperture window, the window size, and
// an optional validity mask. It is built once at startup from the LUT streams
// and never changes during a run.
type SubapGrid struct {
	Nsubx, Nsuby int
	FOVX, FOVY   int

	// XC, YC hold the fractional pixel coordinates of each subaperture
	// center, row-major, length Nsubx*Nsuby.
	XC, YC []float32

	// Valid flags subapertures for downstream selection. A nil mask means
	// every subaperture is valid.
	Valid []uint8

	// x0, y0 are the precomputed top-left window anchors, and ox, oy the
	// sub-pixel offsets referencing the COG to the window center.
	x0, y0 []int32
	ox, oy []float32
}

// NewSubapGrid validates the lookup tables against the frame shape and
// precomputes the per-subaperture window anchors. Every window must lie
// strictly inside the frame; a window running past the frame bounds is a
// configuration error reported here, never a hot-loop branch.
func NewSubapGrid(nsubx, nsuby, fovx, fovy int, xc, yc []float32, valid []uint8, frameW, frameH int) (*SubapGrid, error) {
	n := nsubx * nsuby
	if nsubx <= 0 || nsuby <= 0 || fovx <= 0 || fovy <= 0 {
		return nil, fmt.Errorf("wfs: bad grid %dx%d fov %dx%d", nsubx, nsuby, fovx, fovy)
	}
	if len(xc) < n || len(yc) < n {
		return nil, fmt.Errorf("%w: LUT length %d/%d, want %d", shm.ErrShapeMismatch, len(xc), len(yc), n)
	}
	if valid != nil && len(valid) < n {
		return nil, fmt.Errorf("%w: validity mask length %d, want %d", shm.ErrShapeMismatch, len(valid), n)
	}
	g := &SubapGrid{
		Nsubx: nsubx, Nsuby: nsuby,
		FOVX: fovx, FOVY: fovy,
		XC: xc[:n], YC: yc[:n],
		Valid: valid,
		x0:    make([]int32, n),
		y0:    make([]int32, n),
		ox:    make([]float32, n),
		oy:    make([]float32, n),
	}
	for i := 0; i < n; i++ {
		x0 := int32(math.Round(float64(xc[i]) - float64(fovx)/2))
		y0 := int32(math.Round(float64(yc[i]) - float64(fovy)/2))
		if x0 < 0 || y0 < 0 || int(x0)+fovx > frameW || int(y0)+fovy > frameH {
			return nil, fmt.Errorf("%w: subaperture %d window (%d,%d)+%dx%d outside %dx%d frame",
				shm.ErrShapeMismatch, i, x0, y0, fovx, fovy, frameW, frameH)
		}
		g.x0[i] = x0
		g.y0[i] = y0
		g.ox[i] = xc[i] - float32(x0) - 0.5
		g.oy[i] = yc[i] - float32(y0) - 0.5
	}
	return g, nil
}

// NumSubaps returns the subaperture count Nsubx*Nsuby.
func (g *SubapGrid) NumSubaps() int { return g.Nsubx * g.Nsuby }

// NumValid returns the number of subapertures flagged valid.
func (g *SubapGrid) NumValid() int {
	if g.Valid == nil {
		return g.NumSubaps()
	}
	n := 0
	for _, v := range g.Valid[:g.NumSubaps()] {
		if v == 1 {
			n++
		}
	}
	return n
}

// Window returns the top-left anchor and sub-pixel center offsets of
// subaperture i.
func (g *SubapGrid) Window(i int) (x0, y0 int, ox, oy float32) {
	return int(g.x0[i]), int(g.y0[i]), g.ox[i], g.oy[i]
}

// RegularGrid fills xc, yc with subaperture centers laid out on a regular
// lattice of pitch pixels anchored at (startX, startY). The simulator uses it
// to synthesize lookup tables.
func RegularGrid(nsubx, nsuby int, startX, startY, pitch float32) (xc, yc []float32) {
	n := nsubx * nsuby
	xc = make([]float32, n)
	yc = make([]float32, n)
	for j := 0; j < nsuby; j++ {
		for i := 0; i < nsubx; i++ {
			xc[j*nsubx+i] = startX + float32(i)*pitch
			yc[j*nsubx+i] = startY + float32(j)*pitch
		}
	}
	return xc, yc
}
