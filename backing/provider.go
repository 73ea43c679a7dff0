// Package backing abstracts the raw allocate/release primitive that pools are
// carved from. Allocators are constructed with a Provider rather than calling
// the runtime directly, so tests can substitute bounded or failing stores.
package backing

import (
	"github.com/pkg/errors"

	cerrors "github.com/cockroachdb/errors"
)

// OutOfMemoryError is the error returned when a Provider cannot supply the requested pool
var OutOfMemoryError error = errors.New("backing store cannot supply the requested pool")

// Provider supplies contiguous byte pools to allocators. Allocate returns a
// buffer of exactly the requested size or an error wrapping OutOfMemoryError.
// Release returns a buffer previously obtained from Allocate; buffers must not
// be used after release.
type Provider interface {
	Allocate(size int) ([]byte, error)
	Release(buf []byte)
}

// System is a Provider backed by the Go runtime. Release only drops the
// provider's accounting; the memory itself is reclaimed by the garbage
// collector once the allocator stops referencing it.
type System struct {
	allocated int
}

var _ Provider = &System{}

func (s *System) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, cerrors.Newf("invalid pool size %d", size)
	}

	s.allocated += size
	return make([]byte, size), nil
}

func (s *System) Release(buf []byte) {
	s.allocated -= len(buf)
}

// AllocatedBytes returns the total size of pools currently outstanding.
func (s *System) AllocatedBytes() int { return s.allocated }

// Bounded is a Provider that refuses to let outstanding pools exceed Limit
// bytes in total. It exists to make resource-exhaustion paths deterministic
// in tests.
type Bounded struct {
	Limit int

	used int
}

var _ Provider = &Bounded{}

func (b *Bounded) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, cerrors.Newf("invalid pool size %d", size)
	}
	if b.used+size > b.Limit {
		return nil, cerrors.Wrapf(OutOfMemoryError, "requested %d bytes with %d of %d in use", size, b.used, b.Limit)
	}

	b.used += size
	return make([]byte, size), nil
}

func (b *Bounded) Release(buf []byte) {
	b.used -= len(buf)
}

// UsedBytes returns the total size of pools currently outstanding.
func (b *Bounded) UsedBytes() int { return b.used }
