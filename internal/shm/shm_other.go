//go:build !linux

package shm

// The futex-backed shared-memory transport is linux-only. Other platforms can
// still run every component against Mem streams in a single process.

// Open attaches to an existing stream.
func Open(name string) (Port, error) { return nil, ErrUnsupported }

// Create makes a new stream of the given shape.
func Create(name string, w, h uint32, dtype DType) (Port, error) { return nil, ErrUnsupported }

// Unlink removes the backing file of a stream.
func Unlink(name string) error { return ErrUnsupported }
