package wfs

import (
	"fmt"
)

// DefaultEpsilon stabilises the centroid denominator when a thresholded
// window sums to zero. Tunable; trades a small centroid bias for numerical
// safety.
const DefaultEpsilon = 1e-1

// ThreshDisabled is the sentinel at or below which thresholding is switched
// off.
// Running without a threshold leaves near-zero denominators possible, so the
// epsilon stabiliser still applies.
const ThreshDisabled = -1.0

// CentroidParams configures one Centroider.
type CentroidParams struct {
	// Thresh is subtracted from every calibrated pixel, clipping at zero.
	// Values at or below ThreshDisabled disable thresholding.
	Thresh float32

	// BGNpix is the number of columns taken from each of the left and
	// right frame margins for the per-row background estimate. Zero
	// disables the row background pass.
	BGNpix int

	// Epsilon overrides DefaultEpsilon when non-zero.
	Epsilon float32
}

// Centroider computes per-subaperture flux and thresholded center-of-gravity
// slopes from a raw frame. It holds only static geometry and a scratch row
// buffer; outputs are a pure function of the frame, background and parameters,
// so repeated runs over identical inputs are bit-identical.
type Centroider struct {
	grid   *SubapGrid
	width  int
	height int
	thresh float32
	bgnpix int
	eps    float32
	bgRow  []float32
}

// NewCentroider builds a Centroider for frames of frameW x frameH pixels.
// The grid must already be validated against the same frame shape.
func NewCentroider(grid *SubapGrid, frameW, frameH int, p CentroidParams) (*Centroider, error) {
	if grid == nil {
		return nil, fmt.Errorf("wfs: nil subaperture grid")
	}
	if p.BGNpix < 0 || 2*p.BGNpix > frameW {
		return nil, fmt.Errorf("wfs: bgnpix %d does not fit a %d pixel wide frame", p.BGNpix, frameW)
	}
	eps := p.Epsilon
	if eps == 0 {
		eps = DefaultEpsilon
	}
	return &Centroider{
		grid:   grid,
		width:  frameW,
		height: frameH,
		thresh: p.Thresh,
		bgnpix: p.BGNpix,
		eps:    eps,
		bgRow:  make([]float32, frameH),
	}, nil
}

// RunOnce calibrates frame against bg and writes the slope map (x-half then
// y-half, row-major subaperture order, units of fractional pixels) and the
// flux map. len(slopes) must be at least 2*NumSubaps and len(flux) at least
// NumSubaps; frame and bg must hold width*height pixels. Shapes are the
// caller's init-time responsibility.
func (c *Centroider) RunOnce(frame []uint16, bg []float32, slopes, flux []float32) {
	c.rowBackground(frame, bg)

	g := c.grid
	nsub := g.NumSubaps()
	fovx, fovy := g.FOVX, g.FOVY
	w := c.width
	thresh := c.thresh
	useThresh := thresh > ThreshDisabled

	for i := 0; i < nsub; i++ {
		x0, y0, ox, oy := g.Window(i)
		var sx, sy, s float32
		for v := 0; v < fovy; v++ {
			row := (y0+v)*w + x0
			rb := c.bgRow[y0+v]
			for u := 0; u < fovx; u++ {
				p := float32(frame[row+u]) - bg[row+u] - rb
				if useThresh {
					p -= thresh
					if p < 0 {
						p = 0
					}
				}
				sx += p * (float32(u) - ox)
				sy += p * (float32(v) - oy)
				s += p
			}
		}
		slopes[i] = sx / (s + c.eps)
		slopes[i+nsub] = sy / (s + c.eps)
		flux[i] = s
	}
}

// rowBackground estimates a per-row background from the frame margins: the
// mean of the BGNpix leftmost and BGNpix rightmost calibrated pixels of each
// row. With BGNpix zero the estimate is identically zero.
func (c *Centroider) rowBackground(frame []uint16, bg []float32) {
	n := c.bgnpix
	if n == 0 {
		for r := range c.bgRow {
			c.bgRow[r] = 0
		}
		return
	}
	w := c.width
	inv := 1 / float32(2*n)
	for r := 0; r < c.height; r++ {
		left := r * w
		right := (r+1)*w - 1
		var sum float32
		for k := 0; k < n; k++ {
			sum += float32(frame[left+k]) - bg[left+k]
			sum += float32(frame[right-k]) - bg[right-k]
		}
		c.bgRow[r] = sum * inv
	}
}
