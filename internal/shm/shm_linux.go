//go:build linux

package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Dir is the directory holding the shared-memory stream files. Tests may
// point it at a temporary directory; the LTAO_SHM_DIR environment variable
// overrides it at startup.
var Dir = defaultDir()

func defaultDir() string {
	if d := os.Getenv("LTAO_SHM_DIR"); d != "" {
		return d
	}
	return "/dev/shm"
}

const (
	segMagic   = 0x4c54414f53484d31 // "LTAOSHM1"
	segVersion = 1

	// Header field offsets. The header is followed by NumSem semaphore
	// records of semRecSize bytes each, then the payload. Everything the
	// reader touches concurrently sits on its own machine word.
	offMagic   = 0
	offVersion = 8
	offDType   = 12
	offWidth   = 16
	offHeight  = 20
	offWrite   = 24
	offNumSem  = 28
	offCnt0    = 32
	offCnt1    = 40

	semBlockOff = 64
	semRecSize  = 64 // one cache line per semaphore record
	payloadOff  = semBlockOff + NumSem*semRecSize
)

// Segment is a shared-memory image stream backed by a mmap'd file under Dir.
// It implements Port. One process owns the stream (calls BeginWrite/EndWrite);
// readers claim semaphore slots via GetWaitIndex.
type Segment struct {
	name    string
	f       *os.File
	data    []byte
	pixels  int
	claimed []int // semaphore slots claimed by this handle
}

func streamPath(name string) string {
	return filepath.Join(Dir, name+".im.shm")
}

// Open attaches to an existing stream. It fails with ErrNotFound when the
// stream does not exist.
func Open(name string) (*Segment, error) {
	f, err := os.OpenFile(streamPath(name), os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("shm: open %s: %w", name, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", name, err)
	}
	s, err := mapSegment(name, f, int(fi.Size()))
	if err != nil {
		f.Close()
		return nil, err
	}
	if s.magic() != segMagic || s.version() != segVersion {
		s.Close()
		return nil, fmt.Errorf("%w: stream %q has unrecognised header", ErrShapeMismatch, name)
	}
	if need := payloadOff + s.pixels*s.DType().Size(); len(s.data) < need {
		s.Close()
		return nil, fmt.Errorf("%w: stream %q is truncated", ErrShapeMismatch, name)
	}
	return s, nil
}

// Create makes a new stream of the given shape, or attaches to an existing
// one when its shape and pixel type already match. An existing stream with a
// different shape is an ErrShapeMismatch.
func Create(name string, w, h uint32, dtype DType) (*Segment, error) {
	size := payloadOff + int(w)*int(h)*dtype.Size()
	f, err := os.OpenFile(streamPath(name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("shm: create %s: %w", name, err)
		}
		s, err := Open(name)
		if err != nil {
			return nil, err
		}
		if err := CheckShape(s, w, h, dtype); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(streamPath(name))
		return nil, fmt.Errorf("shm: size %s: %w", name, err)
	}
	s, err := mapSegment(name, f, size)
	if err != nil {
		f.Close()
		os.Remove(streamPath(name))
		return nil, err
	}
	s.put32(offVersion, segVersion)
	s.put32(offDType, uint32(dtype))
	s.put32(offWidth, w)
	s.put32(offHeight, h)
	s.put32(offNumSem, NumSem)
	s.pixels = int(w) * int(h)
	// Magic goes last so a concurrent Open never sees a half-built header.
	atomic.StoreUint64(s.u64(offMagic), segMagic)
	return s, nil
}

func mapSegment(name string, f *os.File, size int) (*Segment, error) {
	if size < payloadOff {
		return nil, fmt.Errorf("%w: stream %q is truncated", ErrShapeMismatch, name)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}
	s := &Segment{name: name, f: f, data: data}
	s.pixels = int(s.get32(offWidth)) * int(s.get32(offHeight))
	return s, nil
}

// Unlink removes the backing file of a stream. Existing mappings stay valid;
// subsequent Opens fail with ErrNotFound.
func Unlink(name string) error {
	if err := os.Remove(streamPath(name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return err
	}
	return nil
}

// raw header accessors

func (s *Segment) u32(off int) *uint32 { return (*uint32)(unsafe.Pointer(&s.data[off])) }
func (s *Segment) u64(off int) *uint64 { return (*uint64)(unsafe.Pointer(&s.data[off])) }

func (s *Segment) get32(off int) uint32     { return atomic.LoadUint32(s.u32(off)) }
func (s *Segment) put32(off int, v uint32)  { atomic.StoreUint32(s.u32(off), v) }
func (s *Segment) magic() uint64            { return atomic.LoadUint64(s.u64(offMagic)) }
func (s *Segment) version() uint32          { return s.get32(offVersion) }
func (s *Segment) semWord(idx int) *int32 {
	return (*int32)(unsafe.Pointer(&s.data[semBlockOff+idx*semRecSize]))
}
func (s *Segment) semOwner(idx int) *int32 {
	return (*int32)(unsafe.Pointer(&s.data[semBlockOff+idx*semRecSize+4]))
}

// Name returns the stream name.
func (s *Segment) Name() string { return s.name }

// Dims returns the payload shape.
func (s *Segment) Dims() (uint32, uint32) { return s.get32(offWidth), s.get32(offHeight) }

// DType returns the pixel type.
func (s *Segment) DType() DType { return DType(s.get32(offDType)) }

// Cnt0 returns the number of completed writes.
func (s *Segment) Cnt0() uint64 { return atomic.LoadUint64(s.u64(offCnt0)) }

// BeginWrite marks the payload as in-progress.
func (s *Segment) BeginWrite() { s.put32(offWrite, 1) }

// EndWrite advances the write counters, clears the in-progress flag and posts
// every semaphore slot.
func (s *Segment) EndWrite() {
	atomic.AddUint64(s.u64(offCnt0), 1)
	atomic.AddUint64(s.u64(offCnt1), 1)
	s.put32(offWrite, 0)
	for i := 0; i < NumSem; i++ {
		s.semPost(i)
	}
}

func (s *Segment) semPost(idx int) {
	w := s.semWord(idx)
	for {
		v := atomic.LoadInt32(w)
		if v >= semMaxBacklog {
			return
		}
		if atomic.CompareAndSwapInt32(w, v, v+1) {
			break
		}
	}
	futexWake(s.semWord(idx))
}

// GetWaitIndex claims a free semaphore slot for this process and drains it.
func (s *Segment) GetWaitIndex() (int, error) {
	pid := int32(os.Getpid())
	for i := 0; i < NumSem; i++ {
		if atomic.CompareAndSwapInt32(s.semOwner(i), 0, pid) {
			s.claimed = append(s.claimed, i)
			s.SemDrain(i)
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: stream %q", ErrNoFreeSemaphore, s.name)
}

// SemTryWait consumes one pending post without blocking.
func (s *Segment) SemTryWait(idx int) bool {
	w := s.semWord(idx)
	for {
		v := atomic.LoadInt32(w)
		if v <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(w, v, v-1) {
			return true
		}
	}
}

// SemDrain consumes pending posts until none remain.
func (s *Segment) SemDrain(idx int) {
	for s.SemTryWait(idx) {
	}
}

// SemWait blocks until a post arrives on slot idx.
func (s *Segment) SemWait(idx int) {
	w := s.semWord(idx)
	for {
		if s.SemTryWait(idx) {
			return
		}
		futexWait(w, 0, nil)
	}
}

// SemTimedWait blocks until a post arrives or d elapses, and reports whether
// a post was consumed.
func (s *Segment) SemTimedWait(idx int, d time.Duration) bool {
	w := s.semWord(idx)
	deadline := time.Now().Add(d)
	for {
		if s.SemTryWait(idx) {
			return true
		}
		left := time.Until(deadline)
		if left <= 0 {
			return false
		}
		ts := unix.NsecToTimespec(left.Nanoseconds())
		futexWait(w, 0, &ts)
	}
}

// Uint8s returns the payload as a []uint8 view.
func (s *Segment) Uint8s() []uint8 {
	s.checkDType(DTypeUint8)
	return unsafe.Slice((*uint8)(unsafe.Pointer(&s.data[payloadOff])), s.pixels)
}

// Uint16s returns the payload as a []uint16 view.
func (s *Segment) Uint16s() []uint16 {
	s.checkDType(DTypeUint16)
	return unsafe.Slice((*uint16)(unsafe.Pointer(&s.data[payloadOff])), s.pixels)
}

// Float32s returns the payload as a []float32 view.
func (s *Segment) Float32s() []float32 {
	s.checkDType(DTypeFloat32)
	return unsafe.Slice((*float32)(unsafe.Pointer(&s.data[payloadOff])), s.pixels)
}

func (s *Segment) checkDType(want DType) {
	if got := s.DType(); got != want {
		panic(fmt.Sprintf("shm: stream %q holds %s pixels, accessed as %s", s.name, got, want))
	}
}

// Close releases claimed semaphore slots and unmaps the stream. The backing
// file stays in place for other processes; see Unlink.
func (s *Segment) Close() error {
	for _, idx := range s.claimed {
		atomic.StoreInt32(s.semOwner(idx), 0)
	}
	s.claimed = nil
	err := unix.Munmap(s.data)
	s.data = nil
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Linux futex(2) operation codes (linux/futex.h). golang.org/x/sys/unix does
// not export these; they are kernel ABI constants, not syscall numbers.
const (
	futexOpWait = 0
	futexOpWake = 1
)

// futexWait sleeps until *w changes from val or the timeout expires. Spurious
// wakeups are fine: every caller re-checks the counter in a loop.
func futexWait(w *int32, val int32, ts *unix.Timespec) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(w)), uintptr(futexOpWait), uintptr(val),
		uintptr(unsafe.Pointer(ts)), 0, 0)
}

func futexWake(w *int32) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(w)), uintptr(futexOpWake), uintptr(int32(1)),
		0, 0, 0)
}
