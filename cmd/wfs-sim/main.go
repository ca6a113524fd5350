// Command wfs-sim stands in for one SHWFS camera. It creates the input
// streams a centroider consumes and posts synthetic frames at a fixed rate:
// one Gaussian spot per subaperture riding a slow circular tip/tilt wobble,
// over a constant background with optional read noise.
//
// It is bring-up tooling, not part of the control path.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/maruel/interrupt"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ltao-data/centroider/internal/shm"
	"github.com/ltao-data/centroider/internal/wfs"
)

var (
	wfsNumber = flag.Int("wfsnumber", 1, "WFS number (>= 1)")
	width     = flag.Int("width", 256, "frame width in pixels")
	height    = flag.Int("height", 256, "frame height in pixels")
	nsubx     = flag.Int("nsubx", 32, "number of subapertures in x")
	nsuby     = flag.Int("nsuby", 32, "number of subapertures in y")
	fov       = flag.Int("fov", 6, "subaperture FOV in pixels")
	rate      = flag.Float64("rate", 500, "frame rate in Hz")
	peak      = flag.Float64("peak", 400, "peak spot intensity in ADU")
	fwhm      = flag.Float64("fwhm", 1.5, "spot FWHM in pixels")
	bgLevel   = flag.Float64("bg", 5, "constant background level in ADU")
	noise     = flag.Float64("noise", 2, "read noise sigma in ADU (0 disables)")
	wobble    = flag.Float64("wobble", 0.5, "tip/tilt wobble amplitude in pixels")
	seed      = flag.Uint64("seed", 1, "noise generator seed")
)

func main() {
	flag.Parse()
	log.SetPrefix("wfs-sim: ")

	w, h := *width, *height
	n := *nsubx * *nsuby

	raw, err := shm.Create(fmt.Sprintf(wfs.RawStreamFmt, *wfsNumber), uint32(w), uint32(h), shm.DTypeUint16)
	if err != nil {
		log.Fatal(err)
	}
	defer raw.Close()
	bg, err := shm.Create(fmt.Sprintf(wfs.BGStreamFmt, *wfsNumber), uint32(w), uint32(h), shm.DTypeFloat32)
	if err != nil {
		log.Fatal(err)
	}
	defer bg.Close()
	lutx, err := shm.Create(fmt.Sprintf(wfs.LUTXStreamFmt, *wfsNumber), uint32(n), 1, shm.DTypeFloat32)
	if err != nil {
		log.Fatal(err)
	}
	defer lutx.Close()
	luty, err := shm.Create(fmt.Sprintf(wfs.LUTYStreamFmt, *wfsNumber), uint32(n), 1, shm.DTypeFloat32)
	if err != nil {
		log.Fatal(err)
	}
	defer luty.Close()
	valid, err := shm.Create(fmt.Sprintf(wfs.ValidStreamFmt, *wfsNumber), uint32(n), 1, shm.DTypeUint8)
	if err != nil {
		log.Fatal(err)
	}
	defer valid.Close()

	// Subaperture lattice centered in the frame, one FOV per subaperture.
	startX := float32(w-*nsubx**fov)/2 + float32(*fov)/2
	startY := float32(h-*nsuby**fov)/2 + float32(*fov)/2
	xc, yc := wfs.RegularGrid(*nsubx, *nsuby, startX, startY, float32(*fov))

	shm.Update(lutx, func() { copy(lutx.Float32s(), xc) })
	shm.Update(luty, func() { copy(luty.Float32s(), yc) })
	shm.Update(valid, func() {
		flags := valid.Uint8s()
		for i := range flags {
			flags[i] = 1
		}
	})
	shm.Update(bg, func() {
		px := bg.Float32s()
		for i := range px {
			px[i] = float32(*bgLevel)
		}
	})

	grid, err := wfs.NewSubapGrid(*nsubx, *nsuby, *fov, *fov, xc, yc, nil, w, h)
	if err != nil {
		log.Fatal(err)
	}

	readNoise := distuv.Normal{Mu: 0, Sigma: *noise, Src: rand.NewSource(*seed)}
	sigma := *fwhm / (2 * math.Sqrt(2*math.Log(2)))
	interval := time.Duration(float64(time.Second) / *rate)

	log.Printf("wfs%d: %dx%d frames, %d spots, %.0f Hz", *wfsNumber, w, h, n, *rate)

	interrupt.HandleCtrlC()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	angle := 0.0
	const dangle = 0.02
	frames := 0
	for !interrupt.IsSet() {
		<-ticker.C
		tipX := *wobble * math.Cos(angle)
		tiltY := *wobble * math.Sin(angle)
		angle += dangle

		shm.Update(raw, func() {
			renderFrame(raw.Uint16s(), w, grid, tipX, tiltY, sigma, *peak, *bgLevel, *noise, readNoise)
		})
		frames++
	}
	log.Printf("wfs%d: stopped after %d frames", *wfsNumber, frames)
}

// renderFrame draws the background and one Gaussian spot per subaperture,
// displaced by the common tip/tilt offset. Only subaperture windows are
// re-rendered with signal; the rest of the frame stays at the background.
func renderFrame(px []uint16, w int, grid *wfs.SubapGrid, tipX, tiltY, sigma, peak, bgLevel, noiseSigma float64, readNoise distuv.Normal) {
	base := quantize(bgLevel)
	for i := range px {
		px[i] = base
	}
	inv2s2 := 1 / (2 * sigma * sigma)
	for i := 0; i < grid.NumSubaps(); i++ {
		x0, y0, _, _ := grid.Window(i)
		cx := float64(grid.XC[i]) + tipX - 0.5
		cy := float64(grid.YC[i]) + tiltY - 0.5
		for v := 0; v < grid.FOVY; v++ {
			row := (y0+v)*w + x0
			dy := float64(y0+v) - cy
			for u := 0; u < grid.FOVX; u++ {
				dx := float64(x0+u) - cx
				val := bgLevel + peak*math.Exp(-(dx*dx+dy*dy)*inv2s2)
				if noiseSigma > 0 {
					val += readNoise.Rand()
				}
				px[row+u] = quantize(val)
			}
		}
	}
}

func quantize(v float64) uint16 {
	if v <= 0 {
		return 0
	}
	if v >= math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v + 0.5)
}
