// Command centroider runs the per-WFS centroiding pipeline: it triggers on
// updates of the raw camera stream, computes per-subaperture flux and
// thresholded center-of-gravity slopes, and publishes the flux and slope maps
// for that WFS.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/maruel/interrupt"

	"github.com/ltao-data/centroider/internal/wfs"
)

var (
	wfsNumber  = flag.Int("wfsnumber", 1, "WFS number (>= 1)")
	nsubx      = flag.Int("nsubx", 32, "number of subapertures in x")
	nsuby      = flag.Int("nsuby", 32, "number of subapertures in y")
	fovx       = flag.Int("fovx", 6, "subaperture FOV in pixels (x)")
	fovy       = flag.Int("fovy", 6, "subaperture FOV in pixels (y)")
	cogThresh  = flag.Float64("cogthresh", 0.0, "TCOG threshold; values <= -1 disable thresholding")
	bgnpix     = flag.Int("bgnpix", 0, "margin columns per side for the row background estimate")
	fluxThresh = flag.Float64("fluxthresh", 0.3, "flux ratio of the brightest subaperture counted as valid")
	diagEvery  = flag.Uint64("diag-every", 500, "emit the tip/tilt diagnostic every N frames")
)

func main() {
	flag.Parse()
	log.SetPrefix("centroider: ")
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg := wfs.PipelineConfig{
		WFSNumber:  *wfsNumber,
		Nsubx:      *nsubx,
		Nsuby:      *nsuby,
		FOVX:       *fovx,
		FOVY:       *fovy,
		CogThresh:  float32(*cogThresh),
		BGNpix:     *bgnpix,
		FluxThresh: float32(*fluxThresh),
		DiagEvery:  *diagEvery,
	}

	streams, err := wfs.OpenPipelineStreams(cfg)
	if err != nil {
		log.Fatalf("wfs%d: %v", cfg.WFSNumber, err)
	}
	defer streams.Close()

	p, err := wfs.NewPipeline(cfg, streams)
	if err != nil {
		streams.Close()
		log.Fatalf("wfs%d: %v", cfg.WFSNumber, err)
	}

	interrupt.HandleCtrlC()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-interrupt.Channel
		cancel()
	}()

	if err := p.Run(ctx); err != nil {
		streams.Close()
		log.Fatalf("wfs%d: %v", cfg.WFSNumber, err)
	}
	log.Printf("wfs%d: stopped after %d frames", cfg.WFSNumber, p.Cycles())
}
