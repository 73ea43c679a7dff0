// Package arena implements a coalescing variable-size-block allocator over a
// single contiguous pool. Blocks carry boundary tags (a header and a footer
// both holding the span size) so that physically adjacent blocks can be found
// in both directions, and freeing eagerly merges a block with free neighbors.
// Free blocks form an intrusive doubly linked list threaded through their own
// memory; allocation scans that list first-fit.
package arena

import (
	"unsafe"

	"github.com/pkg/errors"

	cerrors "github.com/cockroachdb/errors"
	"github.com/triheap/triheap"
	"github.com/triheap/triheap/backing"
	"golang.org/x/exp/slog"
)

// Arena owns one contiguous pool subdivided into a gapless sequence of
// variable-size blocks. The pool never grows: when no free block can serve a
// request, Alloc returns nil and the caller decides what to do.
type Arena struct {
	provider backing.Provider
	pool     []byte

	freeHead int

	allocCount      int
	freeBlocksCount int
	freeBytes       int

	initialized bool
}

var _ triheap.Validatable = &Arena{}

// New creates an Arena drawing its pool from the provided backing store. The
// pool is not reserved until Init.
func New(provider backing.Provider) *Arena {
	return &Arena{
		provider: provider,
		freeHead: nilOffset,
	}
}

// Init reserves a pool of at least max(size, MinFreeBlockSize) bytes, aligned
// up to 8, and writes one pool-spanning free block that becomes the sole
// free-list entry. Init on an initialized arena is a no-op.
func (a *Arena) Init(size int) error {
	if a.initialized {
		return nil
	}

	triheap.DebugCheckPow2(alignment, "arena alignment")

	poolSize := size
	if poolSize < MinFreeBlockSize {
		poolSize = MinFreeBlockSize
	}
	poolSize = triheap.AlignUp(poolSize, triheap.Alignment)

	pool, err := a.provider.Allocate(poolSize)
	if err != nil {
		return cerrors.Wrapf(err, "reserving arena pool of %d bytes", poolSize)
	}

	a.pool = pool
	a.setBlockSize(0, poolSize)
	a.setFree(0, true)
	a.setNextFree(0, nilOffset)
	a.setPrevFree(0, nilOffset)
	a.writeFooter(0)

	a.freeHead = 0
	a.allocCount = 0
	a.freeBlocksCount = 1
	a.freeBytes = poolSize
	a.initialized = true

	triheap.DebugValidate(a)
	return nil
}

// Destroy releases the pool and returns the arena to its uninitialized state.
// Destroying an uninitialized arena is a no-op.
func (a *Arena) Destroy() {
	if !a.initialized {
		return
	}

	a.provider.Release(a.pool)
	a.pool = nil
	a.freeHead = nilOffset
	a.allocCount = 0
	a.freeBlocksCount = 0
	a.freeBytes = 0
	a.initialized = false
}

// Alloc reserves a span large enough for size data bytes and returns the
// address of its data region, or nil when no free block can serve the
// request. The search is first-fit: the first adequately sized block in
// free-list order wins, regardless of how much it overshoots.
func (a *Arena) Alloc(size int) unsafe.Pointer {
	if !a.initialized {
		triheap.DebugAssert(false, "arena is not initialized")
		return nil
	}
	if size <= 0 {
		return nil
	}

	triheap.DebugValidate(a)

	occupied := OccupiedSpan(size)

	block := nilOffset
	for h := a.freeHead; h != nilOffset; h = a.nextFree(h) {
		if a.blockSize(h) >= occupied {
			block = h
			break
		}
	}
	if block == nilOffset {
		return nil
	}

	a.removeFromFreeList(block)

	remaining := a.blockSize(block) - occupied
	if remaining >= MinFreeBlockSize {
		a.setBlockSize(block, occupied)
		a.setFree(block, false)
		a.writeFooter(block)

		split := block + occupied
		a.setBlockSize(split, remaining)
		a.setFree(split, true)
		a.setNextFree(split, nilOffset)
		a.setPrevFree(split, nilOffset)
		a.writeFooter(split)

		a.addToFreeList(split)
	} else {
		// The tail is too small to ever be independently useful: keep the
		// whole span occupied rather than leak an unusable free block.
		a.setFree(block, false)
	}

	a.allocCount++
	return a.dataPtr(block)
}

// Free returns a block to the arena and eagerly merges it with free physical
// neighbors. Pointers that do not map to a valid header inside the pool are
// ignored: the arena is the fallback tier and cannot always distinguish
// foreign from corrupted. Freeing a block that is already free returns
// ErrDoubleFree.
func (a *Arena) Free(ptr unsafe.Pointer) error {
	if !a.initialized {
		triheap.DebugAssert(false, "arena is not initialized")
		return triheap.ErrNotInitialized
	}
	if ptr == nil {
		return nil
	}

	header, ok := a.headerFromData(ptr)
	if !ok {
		return nil
	}
	if a.isFree(header) {
		triheap.DebugAssert(false, "double free of arena block")
		return triheap.ErrDoubleFree
	}

	a.coalesce(header)
	a.allocCount--

	triheap.DebugValidate(a)
	return nil
}

// coalesce merges the block with free physical neighbors on both sides, then
// marks the surviving block free and pushes it to the free-list head.
func (a *Arena) coalesce(header int) {
	prev := a.prevBlock(header)
	if prev != nilOffset && a.isFree(prev) {
		a.removeFromFreeList(prev)
		a.setBlockSize(prev, a.blockSize(prev)+a.blockSize(header))
		a.writeFooter(prev)
		header = prev
	}

	next := header + a.blockSize(header)
	if a.validHeader(next) && a.isFree(next) {
		a.removeFromFreeList(next)
		a.setBlockSize(header, a.blockSize(header)+a.blockSize(next))
		a.writeFooter(header)
	}

	a.setFree(header, true)
	a.setNextFree(header, nilOffset)
	a.setPrevFree(header, nilOffset)
	a.addToFreeList(header)
}

func (a *Arena) removeFromFreeList(header int) {
	next := a.nextFree(header)
	prev := a.prevFree(header)

	if prev == nilOffset {
		a.freeHead = next
	} else {
		a.setNextFree(prev, next)
	}
	if next != nilOffset {
		a.setPrevFree(next, prev)
	}

	a.setNextFree(header, nilOffset)
	a.setPrevFree(header, nilOffset)

	a.freeBlocksCount--
	a.freeBytes -= a.blockSize(header)
}

func (a *Arena) addToFreeList(header int) {
	a.setNextFree(header, a.freeHead)
	a.setPrevFree(header, nilOffset)

	if a.freeHead != nilOffset {
		a.setPrevFree(a.freeHead, header)
	}
	a.freeHead = header

	a.freeBlocksCount++
	a.freeBytes += a.blockSize(header)
}

// Contains reports whether ptr falls within the arena's pool bounds. It does
// not check that ptr maps to a live allocation.
func (a *Arena) Contains(ptr unsafe.Pointer) bool {
	if !a.initialized || ptr == nil {
		return false
	}

	base := uintptr(a.basePtr())
	addr := uintptr(ptr)
	return addr >= base && addr < base+uintptr(len(a.pool))
}

// PoolSize returns the total reserved pool size in bytes, or 0 before Init.
func (a *Arena) PoolSize() int { return len(a.pool) }

// AllocationCount returns the number of live allocations.
func (a *Arena) AllocationCount() int { return a.allocCount }

// FreeBlocksCount returns the number of entries in the free list.
func (a *Arena) FreeBlocksCount() int { return a.freeBlocksCount }

// FreeBytes returns the total span of all free blocks, headers and footers
// included.
func (a *Arena) FreeBytes() int { return a.freeBytes }

// UsedBytes returns the total span of all occupied blocks.
func (a *Arena) UsedBytes() int { return len(a.pool) - a.freeBytes }

func (a *Arena) IsInitialized() bool { return a.initialized }

// VisitBlocks walks the pool's physical block sequence from start to end and
// calls the provided callback for each block with its offset, span size and
// occupancy. Intended for diagnostic dumps.
func (a *Arena) VisitBlocks(handleBlock func(offset int, size int, free bool) error) error {
	if !a.initialized {
		return triheap.ErrNotInitialized
	}

	for h := 0; h < len(a.pool); {
		if !a.validHeader(h) {
			return errors.Errorf("corrupted block header at offset %d", h)
		}

		size := a.blockSize(h)
		err := handleBlock(h, size, a.isFree(h))
		if err != nil {
			return err
		}
		h += size
	}
	return nil
}

// Validate performs internal consistency checks: the pool must be a gapless
// sequence of valid blocks, every footer must match its header, no two
// adjacent blocks may both be free, and free-list membership must exactly
// equal the set of free-flagged blocks.
func (a *Arena) Validate() error {
	if !a.initialized {
		return nil
	}

	// Physical walk
	var walkedFree, walkedUsed, walkedFreeBytes int
	prevWasFree := false
	for h := 0; h < len(a.pool); {
		if !a.validHeader(h) {
			return errors.Errorf("invalid block header at offset %d", h)
		}

		size := a.blockSize(h)
		if a.word(h+size-FooterSize) != size {
			return errors.Errorf("block at offset %d has footer size %d but header size %d", h, a.word(h+size-FooterSize), size)
		}

		if a.isFree(h) {
			if prevWasFree {
				return errors.Errorf("blocks at offset %d and its predecessor are both free; coalescing is eager so this must never happen", h)
			}
			walkedFree++
			walkedFreeBytes += size
			prevWasFree = true
		} else {
			walkedUsed++
			prevWasFree = false
		}
		h += size
	}

	// Free-list walk
	listCount := 0
	expectedPrev := nilOffset
	for h := a.freeHead; h != nilOffset; h = a.nextFree(h) {
		if !a.validHeader(h) {
			return errors.Errorf("free list contains invalid header offset %d", h)
		}
		if !a.isFree(h) {
			return errors.Errorf("block at offset %d is in the free list but is not marked free", h)
		}
		if a.prevFree(h) != expectedPrev {
			return errors.Errorf("block at offset %d has a broken backward free-list link", h)
		}

		listCount++
		if listCount > walkedFree {
			return errors.New("free list is longer than the number of free blocks in the pool")
		}
		expectedPrev = h
	}

	if listCount != walkedFree {
		return errors.Errorf("free list has %d entries but the pool has %d free blocks", listCount, walkedFree)
	}
	if walkedFree != a.freeBlocksCount {
		return errors.Errorf("free block counter is %d but the pool has %d free blocks", a.freeBlocksCount, walkedFree)
	}
	if walkedFreeBytes != a.freeBytes {
		return errors.Errorf("free byte counter is %d but free blocks add up to %d", a.freeBytes, walkedFreeBytes)
	}
	if walkedUsed != a.allocCount {
		return errors.Errorf("allocation counter is %d but the pool has %d occupied blocks", a.allocCount, walkedUsed)
	}

	return nil
}

// AddStatistics sums this arena's allocation statistics into the provided
// triheap.Statistics object.
func (a *Arena) AddStatistics(stats *triheap.Statistics) {
	if !a.initialized {
		return
	}

	stats.PoolCount++
	stats.PoolBytes += len(a.pool)
	stats.AllocationCount += a.allocCount
	stats.AllocationBytes += len(a.pool) - a.freeBytes
}

// AddDetailedStatistics sums this arena's allocation statistics into the
// provided triheap.DetailedStatistics object.
func (a *Arena) AddDetailedStatistics(stats *triheap.DetailedStatistics) {
	if !a.initialized {
		return
	}

	stats.PoolCount++
	stats.PoolBytes += len(a.pool)

	_ = a.VisitBlocks(func(offset, size int, free bool) error {
		if free {
			stats.AddFreeRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

// DebugLogAllocations calls logFunc for every live allocation in the pool.
func (a *Arena) DebugLogAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int)) {
	_ = a.VisitBlocks(func(offset, size int, free bool) error {
		if !free {
			logFunc(logger, offset, size)
		}
		return nil
	})
}
