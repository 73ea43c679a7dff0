// Package slab implements a fixed-size-block pool allocator. Every block in
// the pool is the same size, and the free list is encoded inline: while a
// block is free, its first machine word holds the index of the next free
// block, so the allocator needs no side tables and both Alloc and Free are
// O(1).
package slab

import (
	"unsafe"

	"github.com/pkg/errors"

	cerrors "github.com/cockroachdb/errors"
	"github.com/triheap/triheap"
	"github.com/triheap/triheap/backing"
)

// noFreeBlock is the freeHead value used when the free list is empty. Inside
// pool memory the empty-list sentinel is the pool's total block count instead,
// since stored links are indices.
const noFreeBlock = -1

// Allocator hands out equal-size blocks from a single contiguous pool. A
// block's occupancy is not stored anywhere: a block is free exactly when it is
// reachable from the free list. Double-freeing a block corrupts the list and
// is a caller contract violation.
type Allocator struct {
	blockSize   int
	totalBlocks int

	provider    backing.Provider
	pool        []byte
	freeHead    int
	initialized bool
}

var _ triheap.Validatable = &Allocator{}

// New creates an Allocator serving blocks of the requested size. The block
// size is rounded up to 8 bytes with a minimum of 8, so a free block always
// has room for its inline list link. The pool is not reserved until Init.
func New(blockSize int, totalBlocks int, provider backing.Provider) *Allocator {
	triheap.DebugAssert(blockSize > 0, "block size must be positive")
	triheap.DebugAssert(totalBlocks > 0, "total blocks must be positive")

	size := triheap.AlignUp(blockSize, triheap.Alignment)
	if size < 8 {
		size = 8
	}

	return &Allocator{
		blockSize:   size,
		totalBlocks: totalBlocks,
		provider:    provider,
		freeHead:    noFreeBlock,
	}
}

// Init reserves the backing pool and threads every block into the free list in
// ascending address order: block i links to block i+1, and the last block
// stores the total block count as the end sentinel. Init on an initialized
// allocator is a no-op.
func (a *Allocator) Init() error {
	if a.initialized {
		return nil
	}

	pool, err := a.provider.Allocate(a.blockSize * a.totalBlocks)
	if err != nil {
		return cerrors.Wrapf(err, "reserving slab pool (%d blocks of %d bytes)", a.totalBlocks, a.blockSize)
	}

	a.pool = pool
	for i := 0; i < a.totalBlocks; i++ {
		a.putLink(i, i+1)
	}
	a.freeHead = 0
	a.initialized = true

	triheap.DebugValidate(a)
	return nil
}

// Destroy releases the backing pool and returns the allocator to its
// uninitialized state. Destroying an uninitialized allocator is a no-op.
func (a *Allocator) Destroy() {
	if !a.initialized {
		return
	}

	a.provider.Release(a.pool)
	a.pool = nil
	a.freeHead = noFreeBlock
	a.initialized = false
}

// Alloc pops the head of the free list and returns its address, or nil when
// the pool is exhausted. A nil result is not an error: it signals the caller
// to try another tier.
func (a *Allocator) Alloc() unsafe.Pointer {
	if !a.initialized {
		triheap.DebugAssert(false, "slab allocator is not initialized")
		return nil
	}

	if a.freeHead == noFreeBlock {
		return nil
	}

	index := a.freeHead
	next := a.link(index)
	if next == a.totalBlocks {
		a.freeHead = noFreeBlock
	} else {
		a.freeHead = next
	}

	return a.blockPtr(index)
}

// Free returns a block to the pool by storing the current head index (or the
// end sentinel when the list is empty) into the block's first word and making
// the block the new head. The pointer must have been returned by this
// instance's Alloc and must not currently be free.
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	if !a.initialized {
		triheap.DebugAssert(false, "slab allocator is not initialized")
		return triheap.ErrNotInitialized
	}

	if !a.Belongs(ptr) {
		triheap.DebugAssert(false, "pointer does not belong to this slab allocator")
		return triheap.ErrForeignPointer
	}

	headIndex := a.totalBlocks
	if a.freeHead != noFreeBlock {
		headIndex = a.freeHead
	}

	index := a.indexOf(ptr)
	a.putLink(index, headIndex)
	a.freeHead = index

	return nil
}

// Belongs reports whether ptr falls within this pool's byte range and is
// exactly block-aligned. It does not report whether the block is currently
// allocated.
func (a *Allocator) Belongs(ptr unsafe.Pointer) bool {
	if !a.initialized || ptr == nil {
		return false
	}

	base := uintptr(a.basePtr())
	addr := uintptr(ptr)
	if addr < base {
		return false
	}

	offset := int(addr - base)
	return offset < len(a.pool) && offset%a.blockSize == 0
}

// HasFreeBlocks reports whether the next Alloc will succeed.
func (a *Allocator) HasFreeBlocks() bool {
	return a.initialized && a.freeHead != noFreeBlock
}

// FreeBlocksCount walks the free list and returns the number of entries.
// Introspection only: this is O(free blocks) and has no place on an
// allocation path.
func (a *Allocator) FreeBlocksCount() int {
	if !a.initialized || a.freeHead == noFreeBlock {
		return 0
	}

	count := 1
	for index := a.freeHead; a.link(index) != a.totalBlocks; index = a.link(index) {
		count++
	}
	return count
}

// UsedBlocksCount returns the number of blocks currently handed out.
func (a *Allocator) UsedBlocksCount() int {
	if !a.initialized {
		return 0
	}
	return a.totalBlocks - a.FreeBlocksCount()
}

func (a *Allocator) BlockSize() int   { return a.blockSize }
func (a *Allocator) TotalBlocks() int { return a.totalBlocks }

// PoolSize returns the total reserved pool size in bytes, or 0 before Init.
func (a *Allocator) PoolSize() int { return len(a.pool) }

func (a *Allocator) IsInitialized() bool { return a.initialized }

// Validate performs consistency checks on the free list: every link must be a
// valid index or the end sentinel, and the list must terminate without
// revisiting blocks.
func (a *Allocator) Validate() error {
	if !a.initialized {
		return nil
	}

	seen := make([]bool, a.totalBlocks)
	count := 0

	index := a.freeHead
	for index != noFreeBlock {
		if index < 0 || index >= a.totalBlocks {
			return errors.Errorf("free list contains out-of-range block index %d", index)
		}
		if seen[index] {
			return errors.Errorf("free list revisits block %d", index)
		}
		seen[index] = true

		count++
		if count > a.totalBlocks {
			return errors.New("free list is longer than the pool")
		}

		next := a.link(index)
		if next == a.totalBlocks {
			break
		}
		if next < 0 || next > a.totalBlocks {
			return errors.Errorf("block %d links to out-of-range block index %d", index, next)
		}
		index = next
	}

	return nil
}

// freeSet returns a bitmap of which blocks are currently on the free list.
func (a *Allocator) freeSet() []bool {
	free := make([]bool, a.totalBlocks)
	if !a.initialized {
		return free
	}

	for index := a.freeHead; index != noFreeBlock; {
		free[index] = true
		next := a.link(index)
		if next == a.totalBlocks {
			break
		}
		index = next
	}
	return free
}

// VisitBlocks calls the provided callback once per block in address order,
// reporting each block's pool offset, size and occupancy. Intended for
// diagnostic dumps, not hot paths.
func (a *Allocator) VisitBlocks(handleBlock func(offset int, size int, free bool) error) error {
	if !a.initialized {
		return triheap.ErrNotInitialized
	}

	free := a.freeSet()
	for i := 0; i < a.totalBlocks; i++ {
		err := handleBlock(i*a.blockSize, a.blockSize, free[i])
		if err != nil {
			return err
		}
	}
	return nil
}

// AddStatistics sums this pool's allocation statistics into the provided
// triheap.Statistics object.
func (a *Allocator) AddStatistics(stats *triheap.Statistics) {
	if !a.initialized {
		return
	}

	used := a.UsedBlocksCount()
	stats.PoolCount++
	stats.PoolBytes += len(a.pool)
	stats.AllocationCount += used
	stats.AllocationBytes += used * a.blockSize
}

// AddDetailedStatistics sums this pool's allocation statistics into the
// provided triheap.DetailedStatistics object.
func (a *Allocator) AddDetailedStatistics(stats *triheap.DetailedStatistics) {
	if !a.initialized {
		return
	}

	stats.PoolCount++
	stats.PoolBytes += len(a.pool)

	free := a.freeSet()
	for i := 0; i < a.totalBlocks; i++ {
		if free[i] {
			stats.AddFreeRange(a.blockSize)
		} else {
			stats.AddAllocation(a.blockSize)
		}
	}
}
