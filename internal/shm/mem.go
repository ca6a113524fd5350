package shm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Mem is an in-process stream implementing Port. It carries the same fence
// and semaphore semantics as Segment without any shared memory, which makes
// it the test double for every pipeline component and the transport for
// single-process simulation. The serialmux mock pattern: same interface, no
// hardware underneath.
type Mem struct {
	name   string
	w, h   uint32
	dtype  DType
	write  uint32
	cnt0   uint64
	cnt1   uint64
	u8     []uint8
	u16    []uint16
	f32    []float32
	mu     sync.Mutex
	sems   [NumSem]chan struct{}
	inUse  [NumSem]bool
}

// NewMem creates an in-process stream of the given shape.
func NewMem(name string, w, h uint32, dtype DType) *Mem {
	m := &Mem{name: name, w: w, h: h, dtype: dtype}
	n := int(w) * int(h)
	switch dtype {
	case DTypeUint8:
		m.u8 = make([]uint8, n)
	case DTypeUint16:
		m.u16 = make([]uint16, n)
	case DTypeFloat32:
		m.f32 = make([]float32, n)
	default:
		panic(fmt.Sprintf("shm: unknown dtype %d", dtype))
	}
	for i := range m.sems {
		m.sems[i] = make(chan struct{}, semMaxBacklog)
	}
	return m
}

// Name returns the stream name.
func (m *Mem) Name() string { return m.name }

// Dims returns the payload shape.
func (m *Mem) Dims() (uint32, uint32) { return m.w, m.h }

// DType returns the pixel type.
func (m *Mem) DType() DType { return m.dtype }

// Cnt0 returns the number of completed writes.
func (m *Mem) Cnt0() uint64 { return atomic.LoadUint64(&m.cnt0) }

// BeginWrite marks the payload as in-progress.
func (m *Mem) BeginWrite() { atomic.StoreUint32(&m.write, 1) }

// EndWrite advances the counters, clears the in-progress flag and posts every
// semaphore slot.
func (m *Mem) EndWrite() {
	atomic.AddUint64(&m.cnt0, 1)
	atomic.AddUint64(&m.cnt1, 1)
	atomic.StoreUint32(&m.write, 0)
	for i := range m.sems {
		select {
		case m.sems[i] <- struct{}{}:
		default: // slot backlog full, drop the post
		}
	}
}

// GetWaitIndex claims a free semaphore slot and drains it.
func (m *Mem) GetWaitIndex() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.inUse {
		if !m.inUse[i] {
			m.inUse[i] = true
			m.drain(i)
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: stream %q", ErrNoFreeSemaphore, m.name)
}

// SemWait blocks until a post arrives on slot idx.
func (m *Mem) SemWait(idx int) { <-m.sems[idx] }

// SemTimedWait blocks until a post arrives or d elapses, and reports whether
// a post was consumed.
func (m *Mem) SemTimedWait(idx int, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.sems[idx]:
		return true
	case <-t.C:
		return false
	}
}

// SemTryWait consumes one pending post without blocking.
func (m *Mem) SemTryWait(idx int) bool {
	select {
	case <-m.sems[idx]:
		return true
	default:
		return false
	}
}

// SemDrain consumes pending posts until none remain.
func (m *Mem) SemDrain(idx int) { m.drain(idx) }

func (m *Mem) drain(idx int) {
	for {
		select {
		case <-m.sems[idx]:
		default:
			return
		}
	}
}

// Uint8s returns the payload as a []uint8 view.
func (m *Mem) Uint8s() []uint8 {
	m.checkDType(DTypeUint8)
	return m.u8
}

// Uint16s returns the payload as a []uint16 view.
func (m *Mem) Uint16s() []uint16 {
	m.checkDType(DTypeUint16)
	return m.u16
}

// Float32s returns the payload as a []float32 view.
func (m *Mem) Float32s() []float32 {
	m.checkDType(DTypeFloat32)
	return m.f32
}

func (m *Mem) checkDType(want DType) {
	if m.dtype != want {
		panic(fmt.Sprintf("shm: stream %q holds %s pixels, accessed as %s", m.name, m.dtype, want))
	}
}

// Close releases the semaphore slots claimed through GetWaitIndex. Mem holds
// no external resources.
func (m *Mem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.inUse {
		m.inUse[i] = false
	}
	return nil
}
