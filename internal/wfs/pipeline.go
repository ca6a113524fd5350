package wfs

import (
	"context"
	"fmt"
	"time"

	"github.com/ltao-data/centroider/internal/monitoring"
	"github.com/ltao-data/centroider/internal/shm"
)

// Stream name templates shared by the pipeline, the syncer, the simulator and
// the calibration publisher. %d is the 1-based WFS number.
const (
	RawStreamFmt      = "scmos%d_data"
	BGStreamFmt       = "scmos%d_bg"
	LUTXStreamFmt     = "lutx%d"
	LUTYStreamFmt     = "luty%d"
	ValidStreamFmt    = "wfsvalid%d"
	FluxStreamFmt     = "flux%d"
	SlopeMapStreamFmt = "slopemap%d"

	// SlopeVecStream is the global slope vector, single writer = syncer.
	SlopeVecStream = "slopevec"
)

// frameWaitSlice bounds each blocking wait on the raw frame semaphore so the
// loop can notice cancellation while the camera is quiet.
const frameWaitSlice = 100 * time.Millisecond

// PipelineConfig configures one per-WFS centroiding pipeline.
type PipelineConfig struct {
	WFSNumber    int     // 1-based sensor number
	Nsubx, Nsuby int     // subaperture grid shape
	FOVX, FOVY   int     // subaperture window size in pixels
	CogThresh    float32 // TCOG threshold; <= -1 disables
	BGNpix       int     // margin columns for the row background estimate
	FluxThresh   float32 // flux ratio for the diagnostic reduction
	DiagEvery    uint64  // emit the tip/tilt line every N cycles
}

func (c *PipelineConfig) applyDefaults() {
	if c.Nsubx == 0 {
		c.Nsubx = 32
	}
	if c.Nsuby == 0 {
		c.Nsuby = 32
	}
	if c.FOVX == 0 {
		c.FOVX = 6
	}
	if c.FOVY == 0 {
		c.FOVY = 6
	}
	if c.FluxThresh == 0 {
		c.FluxThresh = 0.3
	}
	if c.DiagEvery == 0 {
		c.DiagEvery = 500
	}
}

// PipelineStreams are the shared-memory endpoints of one pipeline. Valid may
// be nil; every subaperture is then treated as valid.
type PipelineStreams struct {
	Raw        shm.Port // uint16 raw frame, consumed
	Background shm.Port // float32 background, consumed
	LUTX       shm.Port // float32 x-centers, consumed
	LUTY       shm.Port // float32 y-centers, consumed
	Valid      shm.Port // uint8 validity mask, consumed, optional
	Flux       shm.Port // float32 flux map, produced
	SlopeMap   shm.Port // float32 slope map, produced
}

// Close releases every non-nil stream handle.
func (s *PipelineStreams) Close() {
	for _, p := range []shm.Port{s.Raw, s.Background, s.LUTX, s.LUTY, s.Valid, s.Flux, s.SlopeMap} {
		if p != nil {
			p.Close()
		}
	}
}

// OpenPipelineStreams opens the consumed streams of WFS cfg.WFSNumber and
// creates the produced ones in shared memory. The validity mask stream is
// optional; any other missing input is fatal.
func OpenPipelineStreams(cfg PipelineConfig) (*PipelineStreams, error) {
	cfg.applyDefaults()
	var s PipelineStreams
	var err error
	open := func(fmtStr string) shm.Port {
		if err != nil {
			return nil
		}
		p, e := shm.Open(fmt.Sprintf(fmtStr, cfg.WFSNumber))
		if e != nil {
			err = e
			return nil
		}
		return p
	}
	s.Raw = open(RawStreamFmt)
	s.Background = open(BGStreamFmt)
	s.LUTX = open(LUTXStreamFmt)
	s.LUTY = open(LUTYStreamFmt)
	if err != nil {
		s.Close()
		return nil, err
	}
	if v, verr := shm.Open(fmt.Sprintf(ValidStreamFmt, cfg.WFSNumber)); verr == nil {
		s.Valid = v
	}
	create := func(fmtStr string, w, h uint32) shm.Port {
		if err != nil {
			return nil
		}
		p, e := shm.Create(fmt.Sprintf(fmtStr, cfg.WFSNumber), w, h, shm.DTypeFloat32)
		if e != nil {
			err = e
			return nil
		}
		return p
	}
	s.Flux = create(FluxStreamFmt, uint32(cfg.Nsubx), uint32(cfg.Nsuby))
	s.SlopeMap = create(SlopeMapStreamFmt, uint32(cfg.Nsubx), uint32(2*cfg.Nsuby))
	if err != nil {
		s.Close()
		return nil, err
	}
	return &s, nil
}

// Pipeline is the per-WFS worker: it waits on the raw frame stream, runs the
// centroider, publishes the flux and slope maps under the write fence, and
// emits the tip/tilt diagnostic.
type Pipeline struct {
	cfg     PipelineConfig
	streams *PipelineStreams
	grid    *SubapGrid
	cent    *Centroider
	semIdx  int
	cycles  uint64
}

// NewPipeline validates the stream shapes against cfg, builds the subaperture
// grid from the LUT streams and claims a wait slot on the raw frame stream.
func NewPipeline(cfg PipelineConfig, streams *PipelineStreams) (*Pipeline, error) {
	cfg.applyDefaults()
	if cfg.WFSNumber < 1 {
		return nil, fmt.Errorf("wfs: wfsnumber %d, want >= 1", cfg.WFSNumber)
	}
	w, h := streams.Raw.Dims()
	if streams.Raw.DType() != shm.DTypeUint16 {
		return nil, fmt.Errorf("%w: stream %q holds %s pixels, want uint16",
			shm.ErrShapeMismatch, streams.Raw.Name(), streams.Raw.DType())
	}
	if err := shm.CheckShape(streams.Background, w, h, shm.DTypeFloat32); err != nil {
		return nil, err
	}
	nsub := cfg.Nsubx * cfg.Nsuby
	if got := shm.NumPixels(streams.LUTX); got < nsub {
		return nil, fmt.Errorf("%w: stream %q holds %d centers, want %d",
			shm.ErrShapeMismatch, streams.LUTX.Name(), got, nsub)
	}
	if got := shm.NumPixels(streams.LUTY); got < nsub {
		return nil, fmt.Errorf("%w: stream %q holds %d centers, want %d",
			shm.ErrShapeMismatch, streams.LUTY.Name(), got, nsub)
	}
	if err := shm.CheckShape(streams.Flux, uint32(cfg.Nsubx), uint32(cfg.Nsuby), shm.DTypeFloat32); err != nil {
		return nil, err
	}
	if err := shm.CheckShape(streams.SlopeMap, uint32(cfg.Nsubx), uint32(2*cfg.Nsuby), shm.DTypeFloat32); err != nil {
		return nil, err
	}

	var valid []uint8
	if streams.Valid != nil {
		if got := shm.NumPixels(streams.Valid); got < nsub {
			return nil, fmt.Errorf("%w: stream %q holds %d flags, want %d",
				shm.ErrShapeMismatch, streams.Valid.Name(), got, nsub)
		}
		valid = streams.Valid.Uint8s()
	}

	grid, err := NewSubapGrid(cfg.Nsubx, cfg.Nsuby, cfg.FOVX, cfg.FOVY,
		streams.LUTX.Float32s(), streams.LUTY.Float32s(), valid, int(w), int(h))
	if err != nil {
		return nil, err
	}
	cent, err := NewCentroider(grid, int(w), int(h), CentroidParams{
		Thresh: cfg.CogThresh,
		BGNpix: cfg.BGNpix,
	})
	if err != nil {
		return nil, err
	}
	semIdx, err := streams.Raw.GetWaitIndex()
	if err != nil {
		return nil, err
	}
	monitoring.Logf("wfs%d: %dx%d frame, %dx%d subapertures (%d valid), fov %dx%d",
		cfg.WFSNumber, w, h, cfg.Nsubx, cfg.Nsuby, grid.NumValid(), cfg.FOVX, cfg.FOVY)
	return &Pipeline{cfg: cfg, streams: streams, grid: grid, cent: cent, semIdx: semIdx}, nil
}

// Grid exposes the validated subaperture geometry.
func (p *Pipeline) Grid() *SubapGrid { return p.grid }

// Run processes frames until ctx is cancelled. Cancellation is cooperative:
// it is observed between cycles, never mid-frame.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !p.streams.Raw.SemTimedWait(p.semIdx, frameWaitSlice) {
			continue
		}
		// Collapse any backlog so the cycle runs on the newest frame.
		p.streams.Raw.SemDrain(p.semIdx)
		p.RunOnce()
	}
}

// RunOnce processes the frame currently in the raw stream and publishes the
// flux and slope maps.
func (p *Pipeline) RunOnce() {
	frame := p.streams.Raw.Uint16s()
	bg := p.streams.Background.Float32s()

	p.streams.SlopeMap.BeginWrite()
	p.streams.Flux.BeginWrite()
	p.cent.RunOnce(frame, bg, p.streams.SlopeMap.Float32s(), p.streams.Flux.Float32s())
	p.streams.SlopeMap.EndWrite()
	p.streams.Flux.EndWrite()

	p.cycles++
	if p.cycles%p.cfg.DiagEvery == 0 {
		tt := Reduce(p.streams.Flux.Float32s(), p.streams.SlopeMap.Float32s(),
			p.grid.NumSubaps(), p.cfg.FluxThresh)
		monitoring.Logf("wfs%d: cycle %d  %4d valid  tt_x %+8.3f  tt_y %+8.3f",
			p.cfg.WFSNumber, p.cycles, tt.NumValid, tt.TTX, tt.TTY)
	}
}

// Cycles returns the number of frames processed so far.
func (p *Pipeline) Cycles() uint64 { return p.cycles }
