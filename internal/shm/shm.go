// Package shm provides the shared-memory image streams that carry every frame,
// calibration product and slope product between pipeline processes.
//
// A stream is a fixed-shape typed pixel array with a small metadata header:
// an in-progress write flag, two monotonic update counters and a block of
// counting semaphores. Exactly one process owns (writes) each stream; any
// number of readers may subscribe by claiming a semaphore slot and waiting on
// it. A reader that returns from a semaphore wait and reads the payload before
// the owner's next BeginWrite observes a consistent snapshot.
package shm

import (
	"errors"
	"fmt"
	"time"
)

// DType identifies the pixel type of a stream payload.
type DType uint32

const (
	DTypeUint8 DType = iota + 1
	DTypeUint16
	DTypeFloat32
)

// Size returns the per-pixel byte size.
func (d DType) Size() int {
	switch d {
	case DTypeUint8:
		return 1
	case DTypeUint16:
		return 2
	case DTypeFloat32:
		return 4
	}
	return 0
}

func (d DType) String() string {
	switch d {
	case DTypeUint8:
		return "uint8"
	case DTypeUint16:
		return "uint16"
	case DTypeFloat32:
		return "float32"
	}
	return fmt.Sprintf("dtype(%d)", uint32(d))
}

// NumSem is the number of semaphore slots carried by every stream.
const NumSem = 8

// semMaxBacklog caps the value a semaphore can accumulate while nobody is
// draining it, so an unclaimed slot cannot grow without bound.
const semMaxBacklog = 128

var (
	// ErrNotFound reports that a required stream does not exist.
	ErrNotFound = errors.New("shm: stream not found")

	// ErrShapeMismatch reports that an existing stream has a different
	// shape or pixel type than requested.
	ErrShapeMismatch = errors.New("shm: shape mismatch")

	// ErrNoFreeSemaphore reports that all semaphore slots of a stream are
	// already claimed by other readers.
	ErrNoFreeSemaphore = errors.New("shm: no free semaphore slot")

	// ErrUnsupported reports that shared-memory streams are not available
	// on this platform.
	ErrUnsupported = errors.New("shm: shared memory unsupported on this platform")
)

// Port is the narrow surface the pipeline consumes from a stream. It is
// implemented by Segment (a mmap'd shared-memory stream) and by Mem (an
// in-process stream used in tests and single-process simulation).
//
// The typed payload accessors return views over the live pixel buffer; they
// panic when called with the wrong pixel type, which is a wiring error caught
// the first time a component runs, never a data-dependent branch.
type Port interface {
	// Name returns the stream name.
	Name() string

	// Dims returns the payload shape as (size[0], size[1]). A 1D stream
	// reports its length as size[0] with size[1] = 1.
	Dims() (uint32, uint32)

	// DType returns the pixel type.
	DType() DType

	// BeginWrite marks the payload as in-progress. Owner only.
	BeginWrite()

	// EndWrite clears the in-progress flag, advances cnt0/cnt1 and posts
	// every semaphore slot. Owner only.
	EndWrite()

	// Cnt0 returns the number of completed writes.
	Cnt0() uint64

	// GetWaitIndex claims a free semaphore slot for the exclusive use of
	// the caller and drains any stale posts from it.
	GetWaitIndex() (int, error)

	// SemWait blocks until the owner posts slot idx.
	SemWait(idx int)

	// SemTimedWait blocks until the owner posts slot idx or d elapses.
	// It reports whether a post was consumed.
	SemTimedWait(idx int, d time.Duration) bool

	// SemTryWait consumes a pending post on slot idx without blocking and
	// reports whether one was pending.
	SemTryWait(idx int) bool

	// SemDrain consumes pending posts on slot idx until none remain.
	SemDrain(idx int)

	// Uint8s returns the payload as a []uint8 view.
	Uint8s() []uint8

	// Uint16s returns the payload as a []uint16 view.
	Uint16s() []uint16

	// Float32s returns the payload as a []float32 view.
	Float32s() []float32

	// Close releases the caller's handle on the stream. It releases any
	// semaphore slot claimed through GetWaitIndex.
	Close() error
}

// Update runs fn inside the stream's write fence. The counter and semaphore
// epilogue runs on every exit path, including a panic inside fn.
func Update(p Port, fn func()) {
	p.BeginWrite()
	defer p.EndWrite()
	fn()
}

// NumPixels returns the payload element count of p.
func NumPixels(p Port) int {
	w, h := p.Dims()
	return int(w) * int(h)
}

// CheckShape verifies that p has the given shape and pixel type, returning an
// ErrShapeMismatch that names the stream otherwise. Components call it once at
// init so the hot loops can index without bounds concern.
func CheckShape(p Port, w, h uint32, dtype DType) error {
	gw, gh := p.Dims()
	if gw != w || gh != h || p.DType() != dtype {
		return fmt.Errorf("%w: stream %q is %dx%d %s, want %dx%d %s",
			ErrShapeMismatch, p.Name(), gw, gh, p.DType(), w, h, dtype)
	}
	return nil
}
