// Package slopevec assembles the per-WFS slope maps into the single global
// slope vector consumed by the real-time reconstructor. It is the only
// component that waits on more than one producer: each selected WFS posts its
// slope map independently, and the syncer collates whatever arrives before a
// per-cycle deadline measured from the first arrival.
package slopevec

import (
	"context"
	"fmt"
	"time"

	"github.com/ltao-data/centroider/internal/monitoring"
	"github.com/ltao-data/centroider/internal/shm"
	"github.com/ltao-data/centroider/internal/timeutil"
	"github.com/ltao-data/centroider/internal/wfs"
)

// MaxWFS is the number of slots in the global slope vector. WFS numbers are
// 1-based; WFS k occupies slot k-1.
const MaxWFS = 4

// DefaultWFSFlags selects WFS 1-4 (bits 1..4).
const DefaultWFSFlags = 0b11110

// DefaultDeadline is the per-cycle assembly deadline, measured from the first
// arriving slope map.
const DefaultDeadline = 200 * time.Microsecond

// idleSleep bounds the poll rate while no WFS has posted yet. Once the first
// map arrives the loop spins, since the remainder of the cycle is bounded by
// the deadline.
const idleSleep = 50 * time.Microsecond

// Config configures a Syncer.
type Config struct {
	// WFSFlags is the selection bitmap: bit k selects WFS k, k in 1..MaxWFS.
	WFSFlags uint32

	// Nsubx, Nsuby give the per-WFS subaperture grid shape.
	Nsubx, Nsuby int

	// Deadline bounds each assembly cycle from the first arrival.
	Deadline time.Duration

	// Clock defaults to the wall clock.
	Clock timeutil.Clock
}

func (c *Config) applyDefaults() {
	if c.WFSFlags == 0 {
		c.WFSFlags = DefaultWFSFlags
	}
	if c.Nsubx == 0 {
		c.Nsubx = 32
	}
	if c.Nsuby == 0 {
		c.Nsuby = 32
	}
	if c.Deadline == 0 {
		c.Deadline = DefaultDeadline
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
}

// Streams are the syncer's shared-memory endpoints: one slope map per
// selected WFS, indexed by slot, and the global slope vector it owns.
type Streams struct {
	// SlopeMaps[k] is the slope map of WFS k+1; nil for unselected slots.
	SlopeMaps [MaxWFS]shm.Port

	// SlopeVec is the global vector, length 2*Nsub*MaxWFS, single writer.
	SlopeVec shm.Port
}

// Close releases every non-nil stream handle.
func (s *Streams) Close() {
	for _, p := range s.SlopeMaps {
		if p != nil {
			p.Close()
		}
	}
	if s.SlopeVec != nil {
		s.SlopeVec.Close()
	}
}

// OpenStreams opens the slope map of every WFS selected by cfg.WFSFlags and
// creates the global slope vector.
func OpenStreams(cfg Config) (*Streams, error) {
	cfg.applyDefaults()
	if err := checkFlags(cfg.WFSFlags); err != nil {
		return nil, err
	}
	var s Streams
	for k := 1; k <= MaxWFS; k++ {
		if cfg.WFSFlags&(1<<uint(k)) == 0 {
			continue
		}
		p, err := shm.Open(fmt.Sprintf(wfs.SlopeMapStreamFmt, k))
		if err != nil {
			s.Close()
			return nil, err
		}
		s.SlopeMaps[k-1] = p
	}
	stride := 2 * cfg.Nsubx * cfg.Nsuby
	vec, err := shm.Create(wfs.SlopeVecStream, uint32(stride*MaxWFS), 1, shm.DTypeFloat32)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.SlopeVec = vec
	return &s, nil
}

func checkFlags(flags uint32) error {
	const legal = ((1 << (MaxWFS + 1)) - 1) &^ 1 // bits 1..MaxWFS
	if flags == 0 || flags&^uint32(legal) != 0 {
		return fmt.Errorf("slopevec: wfsflags %#b selects outside WFS 1..%d", flags, MaxWFS)
	}
	return nil
}

// Syncer collates the selected slope maps into the global slope vector, one
// publication per cycle. Missing WFSs leave their slot stale rather than
// zeroed, so a late sensor never injects a false zero-slope signal into the
// controller; unselected slots are never written and stay zero.
type Syncer struct {
	cfg      Config
	streams  *Streams
	stride   int // floats per WFS slot: 2*Nsubx*Nsuby
	semIdx   [MaxWFS]int
	selected [MaxWFS]bool
	ready    [MaxWFS]bool
	timeouts uint64
	cycles   uint64
}

// NewSyncer validates the stream shapes and claims one semaphore slot per
// selected slope map for the syncer's exclusive use.
func NewSyncer(cfg Config, streams *Streams) (*Syncer, error) {
	cfg.applyDefaults()
	if err := checkFlags(cfg.WFSFlags); err != nil {
		return nil, err
	}
	s := &Syncer{cfg: cfg, streams: streams, stride: 2 * cfg.Nsubx * cfg.Nsuby}
	if got := shm.NumPixels(streams.SlopeVec); got != s.stride*MaxWFS {
		return nil, fmt.Errorf("%w: stream %q holds %d floats, want %d",
			shm.ErrShapeMismatch, streams.SlopeVec.Name(), got, s.stride*MaxWFS)
	}
	// A vector segment surviving from an earlier run may hold data for
	// slots the current selection never writes; those must read zero.
	vec := streams.SlopeVec.Float32s()
	for i := range vec {
		vec[i] = 0
	}
	for k := 1; k <= MaxWFS; k++ {
		if cfg.WFSFlags&(1<<uint(k)) == 0 {
			continue
		}
		slot := k - 1
		p := streams.SlopeMaps[slot]
		if p == nil {
			return nil, fmt.Errorf("slopevec: wfs%d selected but its slope map stream is absent", k)
		}
		if got := shm.NumPixels(p); got != s.stride {
			return nil, fmt.Errorf("%w: stream %q holds %d floats, want %d",
				shm.ErrShapeMismatch, p.Name(), got, s.stride)
		}
		idx, err := p.GetWaitIndex()
		if err != nil {
			return nil, err
		}
		s.selected[slot] = true
		s.semIdx[slot] = idx
	}
	return s, nil
}

// AssembleOnce runs one assembly cycle: poll the selected slope maps, copy
// each arrival into its slot, and publish once all have arrived or the
// deadline from the first arrival expires. It returns ctx.Err() when
// cancelled before publication.
func (s *Syncer) AssembleOnce(ctx context.Context) error {
	for i := range s.ready {
		s.ready[i] = false
	}
	started := false
	var start time.Time
	vec := s.streams.SlopeVec.Float32s()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		progressed := false
		for slot := 0; slot < MaxWFS; slot++ {
			if !s.selected[slot] || s.ready[slot] {
				continue
			}
			p := s.streams.SlopeMaps[slot]
			if !p.SemTryWait(s.semIdx[slot]) {
				continue
			}
			// Drain accumulated posts so a stale readiness signal from
			// the previous cycle can never satisfy this one.
			p.SemDrain(s.semIdx[slot])
			if !started {
				start = s.cfg.Clock.Now()
				started = true
			}
			copy(vec[slot*s.stride:(slot+1)*s.stride], p.Float32s()[:s.stride])
			s.ready[slot] = true
			progressed = true
		}
		if started {
			if s.allReady() {
				break
			}
			if s.cfg.Clock.Since(start) > s.cfg.Deadline {
				s.timeouts++
				monitoring.Logf("slopevec: timeout! missing wfs %v", s.missing())
				break
			}
			continue
		}
		if !progressed {
			s.cfg.Clock.Sleep(idleSleep)
		}
	}

	// The slots already hold this cycle's arrivals; missing slots keep
	// their previous contents. Publication is just the fence epilogue.
	s.streams.SlopeVec.BeginWrite()
	s.streams.SlopeVec.EndWrite()
	s.cycles++
	return nil
}

func (s *Syncer) allReady() bool {
	for slot := 0; slot < MaxWFS; slot++ {
		if s.selected[slot] && !s.ready[slot] {
			return false
		}
	}
	return true
}

func (s *Syncer) missing() []int {
	var out []int
	for slot := 0; slot < MaxWFS; slot++ {
		if s.selected[slot] && !s.ready[slot] {
			out = append(out, slot+1)
		}
	}
	return out
}

// Run assembles cycles until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		if err := s.AssembleOnce(ctx); err != nil {
			return nil
		}
	}
}

// Cycles returns the number of published assembly cycles.
func (s *Syncer) Cycles() uint64 { return s.cycles }

// Timeouts returns the number of cycles that published on deadline expiry.
func (s *Syncer) Timeouts() uint64 { return s.timeouts }
