package slopevec

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltao-data/centroider/internal/monitoring"
	"github.com/ltao-data/centroider/internal/shm"
	"github.com/ltao-data/centroider/internal/timeutil"
)

const (
	testNsub   = 2 // 1x2 grid
	testStride = 2 * testNsub
)

// newTestSyncer builds a syncer over in-process streams with a 1x2
// subaperture grid and the given WFS selection.
func newTestSyncer(t *testing.T, flags uint32, clock timeutil.Clock) (*Syncer, *Streams) {
	t.Helper()
	cfg := Config{
		WFSFlags: flags,
		Nsubx:    1,
		Nsuby:    2,
		Deadline: 200 * time.Microsecond,
		Clock:    clock,
	}
	s := &Streams{
		SlopeVec: shm.NewMem("slopevec", testStride*MaxWFS, 1, shm.DTypeFloat32),
	}
	for k := 1; k <= MaxWFS; k++ {
		if flags&(1<<uint(k)) == 0 {
			continue
		}
		s.SlopeMaps[k-1] = shm.NewMem("slopemap", 1, 2*2, shm.DTypeFloat32)
	}
	sy, err := NewSyncer(cfg, s)
	require.NoError(t, err)
	return sy, s
}

// fill writes a distinctive ramp into a slope map and posts it.
func fill(p shm.Port, base float32) {
	shm.Update(p, func() {
		px := p.Float32s()
		for i := range px {
			px[i] = base + float32(i)
		}
	})
}

func TestAssembleAllReady(t *testing.T) {
	sy, s := newTestSyncer(t, DefaultWFSFlags, timeutil.RealClock{})
	for slot := 0; slot < MaxWFS; slot++ {
		fill(s.SlopeMaps[slot], float32(100*(slot+1)))
	}

	require.NoError(t, sy.AssembleOnce(context.Background()))

	assert.Equal(t, uint64(1), s.SlopeVec.Cnt0(), "exactly one publication per cycle")
	assert.Equal(t, uint64(0), sy.Timeouts())
	vec := s.SlopeVec.Float32s()
	for slot := 0; slot < MaxWFS; slot++ {
		for i := 0; i < testStride; i++ {
			assert.Equal(t, float32(100*(slot+1)+i), vec[slot*testStride+i],
				"slot %d entry %d", slot, i)
		}
	}
}

func TestAssembleDeadlineMissLeavesSlotStale(t *testing.T) {
	// A stepping fake clock walks the cycle past its deadline without
	// real waiting. WFS4 (slot 3) never posts.
	clock := timeutil.NewFakeClock(time.Unix(0, 0))
	clock.Step = 10 * time.Microsecond
	sy, s := newTestSyncer(t, DefaultWFSFlags, clock)

	var logged []string
	prev := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logged = append(logged, fmt.Sprintf(format, v...))
	})
	defer func() { monitoring.Logf = prev }()

	// Previous cycle left slot 3 with known contents.
	prevVec := s.SlopeVec.Float32s()
	for i := 0; i < testStride; i++ {
		prevVec[3*testStride+i] = 7
	}
	for slot := 0; slot < 3; slot++ {
		fill(s.SlopeMaps[slot], float32(100*(slot+1)))
	}

	require.NoError(t, sy.AssembleOnce(context.Background()))

	assert.Equal(t, uint64(1), sy.Timeouts(), "deadline miss recorded")
	assert.Equal(t, uint64(1), s.SlopeVec.Cnt0(), "publication still happens")
	vec := s.SlopeVec.Float32s()
	for slot := 0; slot < 3; slot++ {
		assert.Equal(t, float32(100*(slot+1)), vec[slot*testStride], "slot %d updated", slot)
	}
	for i := 0; i < testStride; i++ {
		assert.Equal(t, float32(7), vec[3*testStride+i], "missing slot keeps previous contents")
	}
	require.Len(t, logged, 1)
	assert.Contains(t, logged[0], "timeout!")
	assert.Contains(t, logged[0], "4", "missing WFS named in the diagnostic")
}

func TestAssembleUnselectedSlotsStayZero(t *testing.T) {
	// Only WFS1 and WFS3 selected.
	sy, s := newTestSyncer(t, 0b01010, timeutil.RealClock{})
	fill(s.SlopeMaps[0], 10)
	fill(s.SlopeMaps[2], 30)

	require.NoError(t, sy.AssembleOnce(context.Background()))

	vec := s.SlopeVec.Float32s()
	for i := 0; i < testStride; i++ {
		assert.Equal(t, float32(0), vec[1*testStride+i], "unselected slot 1 stays zero")
		assert.Equal(t, float32(0), vec[3*testStride+i], "unselected slot 3 stays zero")
	}
	assert.Equal(t, float32(10), vec[0])
	assert.Equal(t, float32(30), vec[2*testStride])
}

func TestAssembleDrainsStaleSignals(t *testing.T) {
	sy, s := newTestSyncer(t, 0b00010, timeutil.RealClock{})
	// Three updates before the cycle runs: the cycle must consume the
	// backlog so the next cycle cannot fire on stale readiness.
	fill(s.SlopeMaps[0], 1)
	fill(s.SlopeMaps[0], 2)
	fill(s.SlopeMaps[0], 3)

	require.NoError(t, sy.AssembleOnce(context.Background()))
	assert.Equal(t, float32(3), s.SlopeVec.Float32s()[0], "newest map wins")

	// With the backlog drained, a fresh cycle blocks until cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sy.AssembleOnce(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not observe cancellation")
	}
	assert.Equal(t, uint64(1), s.SlopeVec.Cnt0(), "no publication without a fresh arrival")
}

func TestAssembleLateArrivalWithinDeadline(t *testing.T) {
	sy, s := newTestSyncer(t, 0b00110, timeutil.RealClock{})
	fill(s.SlopeMaps[0], 10)

	done := make(chan error, 1)
	go func() { done <- sy.AssembleOnce(context.Background()) }()
	// Second WFS arrives shortly after the first, inside the deadline.
	time.Sleep(20 * time.Microsecond)
	fill(s.SlopeMaps[1], 20)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("assembly did not complete")
	}
	vec := s.SlopeVec.Float32s()
	assert.Equal(t, float32(10), vec[0])
	// Slot 1 either made the deadline or timed out; both publish, but an
	// on-time arrival must land in the vector.
	if sy.Timeouts() == 0 {
		assert.Equal(t, float32(20), vec[testStride])
	}
}

func TestNewSyncerRejectsBadConfig(t *testing.T) {
	_, err := NewSyncer(Config{WFSFlags: 1, Nsubx: 1, Nsuby: 2}, &Streams{
		SlopeVec: shm.NewMem("slopevec", testStride*MaxWFS, 1, shm.DTypeFloat32),
	})
	assert.Error(t, err, "bit 0 selects no WFS")

	s := &Streams{SlopeVec: shm.NewMem("slopevec", testStride*MaxWFS, 1, shm.DTypeFloat32)}
	_, err = NewSyncer(Config{WFSFlags: 0b00010, Nsubx: 1, Nsuby: 2}, s)
	assert.Error(t, err, "selected WFS without a slope map stream")

	s = &Streams{SlopeVec: shm.NewMem("slopevec", 8, 1, shm.DTypeFloat32)}
	s.SlopeMaps[0] = shm.NewMem("slopemap1", 1, 4, shm.DTypeFloat32)
	_, err = NewSyncer(Config{WFSFlags: 0b00010, Nsubx: 4, Nsuby: 4}, s)
	assert.ErrorIs(t, err, shm.ErrShapeMismatch)
}
