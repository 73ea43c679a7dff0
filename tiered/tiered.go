// Package tiered implements the top-level heap manager. Every allocation
// request is classified by size and routed to one of three tiers: fixed-size
// slab pools for small objects, a coalescing arena for medium objects, and
// direct backing-store allocation for large objects. Frees are classified by
// reverse address lookup; the three tiers own disjoint address ranges, so the
// membership tests are authoritative.
package tiered

import (
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"

	cerrors "github.com/cockroachdb/errors"
	"github.com/triheap/triheap"
	"github.com/triheap/triheap/arena"
	"github.com/triheap/triheap/backing"
	"github.com/triheap/triheap/slab"
)

const (
	// DirectThreshold is the size above which requests bypass the pools and
	// go straight to the backing store. Exactly this size still goes to the
	// arena.
	DirectThreshold = 10 * 1024 * 1024

	// defaultArenaSize is the arena pool size used when none is provided via
	// CreateOptions. It is equal to 4Mb.
	defaultArenaSize = 4 * 1024 * 1024
	// defaultSlabBlockCount is the per-class slab pool depth used when none
	// is provided via CreateOptions.
	defaultSlabBlockCount = 1024
)

// slabClasses are the fixed block sizes served by the slab tier, in ascending
// order. Classification takes the first class that fits.
var slabClasses = [...]int{16, 32, 64, 128, 256, 512}

// Tier identifies which allocator a pointer belongs to.
type Tier uint32

const (
	// TierNone indicates a pointer that no tier recognizes
	TierNone Tier = iota
	// TierSlab indicates a pointer inside one of the fixed-size slab pools
	TierSlab
	// TierArena indicates a pointer inside the coalescing arena pool
	TierArena
	// TierDirect indicates a pointer recorded in the direct backing-store registry
	TierDirect
)

var tierMapping = map[Tier]string{
	TierNone:   "None",
	TierSlab:   "Slab",
	TierArena:  "Arena",
	TierDirect: "Direct",
}

func (t Tier) String() string {
	return tierMapping[t]
}

// directBlock is the registry record for one direct backing-store allocation.
type directBlock struct {
	buf  []byte
	size int
}

// CreateOptions contains optional settings when creating an Allocator
type CreateOptions struct {
	// ArenaSize is the coalescing arena's pool size in bytes. Defaults to
	// 4Mb. The arena never grows past this once initialized.
	ArenaSize int
	// SlabBlockCount is the number of blocks in each slab size-class pool.
	// Defaults to 1024.
	SlabBlockCount int
}

// Allocator is the tiered heap manager. It is not internally synchronized:
// the caller must serialize access or keep one Allocator per goroutine.
type Allocator struct {
	provider backing.Provider
	options  CreateOptions

	slabs        []*slab.Allocator
	arena        *arena.Arena
	directBlocks *swiss.Map[uintptr, directBlock]

	initialized bool
}

var _ triheap.Validatable = &Allocator{}

// New creates an Allocator drawing all pools and direct allocations from the
// provided backing store. No memory is reserved until Init.
func New(provider backing.Provider, options CreateOptions) *Allocator {
	if options.ArenaSize == 0 {
		options.ArenaSize = defaultArenaSize
	}
	if options.SlabBlockCount == 0 {
		options.SlabBlockCount = defaultSlabBlockCount
	}

	slabs := make([]*slab.Allocator, len(slabClasses))
	for i, class := range slabClasses {
		slabs[i] = slab.New(class, options.SlabBlockCount, provider)
	}

	return &Allocator{
		provider: provider,
		options:  options,
		slabs:    slabs,
		arena:    arena.New(provider),
	}
}

// Init reserves every pool. Backing-store exhaustion here is fatal: any pool
// that cannot be reserved fails the whole Init, and already-reserved pools
// are released again. There is no partial initialization.
func (a *Allocator) Init() error {
	if a.initialized {
		triheap.DebugAssert(false, "allocator is already initialized")
		return triheap.ErrAlreadyInitialized
	}

	for i, s := range a.slabs {
		err := s.Init()
		if err != nil {
			for j := 0; j < i; j++ {
				a.slabs[j].Destroy()
			}
			return cerrors.Wrapf(err, "initializing %d-byte slab class", s.BlockSize())
		}
	}

	err := a.arena.Init(a.options.ArenaSize)
	if err != nil {
		for _, s := range a.slabs {
			s.Destroy()
		}
		return cerrors.Wrap(err, "initializing coalescing arena")
	}

	a.directBlocks = swiss.NewMap[uintptr, directBlock](16)
	a.initialized = true

	triheap.DebugValidate(a)
	return nil
}

// Destroy releases all outstanding direct allocations, then the arena, then
// the slab pools, and returns the allocator to its uninitialized state. The
// same instance may be initialized again afterwards.
func (a *Allocator) Destroy() error {
	if !a.initialized {
		triheap.DebugAssert(false, "allocator is not initialized")
		return triheap.ErrNotInitialized
	}

	a.directBlocks.Iter(func(addr uintptr, block directBlock) bool {
		a.provider.Release(block.buf)
		return false
	})
	a.directBlocks = nil

	a.arena.Destroy()

	for _, s := range a.slabs {
		s.Destroy()
	}

	a.initialized = false
	return nil
}

// Alloc routes the request by size and returns a pointer to at least size
// usable bytes, or nil when the owning tier is exhausted. A zero size is an
// explicit no-op. No tier ever grows, and a failed slab class falls through
// to the arena but never to another slab class.
func (a *Allocator) Alloc(size int) unsafe.Pointer {
	if !a.initialized {
		triheap.DebugAssert(false, "allocator is not initialized")
		return nil
	}
	if size <= 0 {
		return nil
	}

	aligned := triheap.AlignUp(size, triheap.Alignment)

	if aligned > DirectThreshold {
		return a.allocDirect(aligned)
	}

	for _, s := range a.slabs {
		if aligned <= s.BlockSize() {
			if ptr := s.Alloc(); ptr != nil {
				return ptr
			}
			break
		}
	}

	return a.arena.Alloc(aligned)
}

// allocDirect serves a request above the direct threshold straight from the
// backing store and records it in the registry. This path never falls back to
// a pool tier.
func (a *Allocator) allocDirect(size int) unsafe.Pointer {
	buf, err := a.provider.Allocate(size)
	if err != nil {
		return nil
	}

	ptr := unsafe.Pointer(&buf[0])
	a.directBlocks.Put(uintptr(ptr), directBlock{buf: buf, size: size})
	return ptr
}

// Free classifies ptr by reverse address lookup and delegates to the owning
// tier: the direct registry first, then each slab class's Belongs, then the
// arena as the fallback. A nil pointer is a no-op. Pointers no tier
// recognizes end up at the arena, whose policy for foreign pointers is a
// silent no-op.
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	if !a.initialized {
		triheap.DebugAssert(false, "allocator is not initialized")
		return triheap.ErrNotInitialized
	}
	if ptr == nil {
		return nil
	}

	addr := uintptr(ptr)
	if block, ok := a.directBlocks.Get(addr); ok {
		a.provider.Release(block.buf)
		a.directBlocks.Delete(addr)
		return nil
	}

	for _, s := range a.slabs {
		if s.Belongs(ptr) {
			return s.Free(ptr)
		}
	}

	return a.arena.Free(ptr)
}

// Owner reports which tier's address range contains ptr. Unlike Free, a
// pointer outside every range reports TierNone rather than being attributed
// to the arena.
func (a *Allocator) Owner(ptr unsafe.Pointer) Tier {
	if !a.initialized || ptr == nil {
		return TierNone
	}

	if _, ok := a.directBlocks.Get(uintptr(ptr)); ok {
		return TierDirect
	}
	for _, s := range a.slabs {
		if s.Belongs(ptr) {
			return TierSlab
		}
	}
	if a.arena.Contains(ptr) {
		return TierArena
	}
	return TierNone
}

// SlabBlockSize returns the block size of the slab class whose pool contains
// ptr, or 0 when no slab owns it.
func (a *Allocator) SlabBlockSize(ptr unsafe.Pointer) int {
	if !a.initialized {
		return 0
	}

	for _, s := range a.slabs {
		if s.Belongs(ptr) {
			return s.BlockSize()
		}
	}
	return 0
}

// SlabClasses returns the configured slab size classes in ascending order.
func (a *Allocator) SlabClasses() []int {
	classes := make([]int, len(slabClasses))
	copy(classes, slabClasses[:])
	return classes
}

// Slab returns the slab allocator serving the exact block size, or nil.
func (a *Allocator) Slab(blockSize int) *slab.Allocator {
	for _, s := range a.slabs {
		if s.BlockSize() == blockSize {
			return s
		}
	}
	return nil
}

// Arena returns the medium-size coalescing tier.
func (a *Allocator) Arena() *arena.Arena {
	return a.arena
}

// DirectAllocationCount returns the number of outstanding direct
// backing-store allocations.
func (a *Allocator) DirectAllocationCount() int {
	if !a.initialized {
		return 0
	}
	return a.directBlocks.Count()
}

// DirectAllocationBytes returns the total size of outstanding direct
// backing-store allocations.
func (a *Allocator) DirectAllocationBytes() int {
	if !a.initialized {
		return 0
	}

	total := 0
	a.directBlocks.Iter(func(addr uintptr, block directBlock) bool {
		total += block.size
		return false
	})
	return total
}

func (a *Allocator) IsInitialized() bool { return a.initialized }

// Validate runs consistency checks on every tier and on the direct registry.
func (a *Allocator) Validate() error {
	if !a.initialized {
		return nil
	}

	for _, s := range a.slabs {
		err := s.Validate()
		if err != nil {
			return cerrors.Wrapf(err, "%d-byte slab class", s.BlockSize())
		}
	}

	err := a.arena.Validate()
	if err != nil {
		return cerrors.Wrap(err, "coalescing arena")
	}

	var invalid error
	a.directBlocks.Iter(func(addr uintptr, block directBlock) bool {
		if block.size <= 0 || len(block.buf) != block.size {
			invalid = errors.Errorf("direct registry entry at %#x has size %d but a buffer of %d bytes", addr, block.size, len(block.buf))
			return true
		}
		if uintptr(unsafe.Pointer(&block.buf[0])) != addr {
			invalid = errors.Errorf("direct registry entry at %#x does not match its buffer address", addr)
			return true
		}
		return false
	})
	return invalid
}

// AddStatistics sums all tiers' allocation statistics into the provided
// triheap.Statistics object. Direct allocations count as one pool each.
func (a *Allocator) AddStatistics(stats *triheap.Statistics) {
	if !a.initialized {
		return
	}

	for _, s := range a.slabs {
		s.AddStatistics(stats)
	}
	a.arena.AddStatistics(stats)

	a.directBlocks.Iter(func(addr uintptr, block directBlock) bool {
		stats.PoolCount++
		stats.PoolBytes += block.size
		stats.AllocationCount++
		stats.AllocationBytes += block.size
		return false
	})
}

// AddDetailedStatistics sums all tiers' allocation statistics into the
// provided triheap.DetailedStatistics object.
func (a *Allocator) AddDetailedStatistics(stats *triheap.DetailedStatistics) {
	if !a.initialized {
		return
	}

	for _, s := range a.slabs {
		s.AddDetailedStatistics(stats)
	}
	a.arena.AddDetailedStatistics(stats)

	a.directBlocks.Iter(func(addr uintptr, block directBlock) bool {
		stats.PoolCount++
		stats.PoolBytes += block.size
		stats.AddAllocation(block.size)
		return false
	})
}
