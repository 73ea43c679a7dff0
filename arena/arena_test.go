package arena_test

import (
	"math"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/triheap/triheap"
	"github.com/triheap/triheap/arena"
	"github.com/triheap/triheap/backing"
)

type blockInfo struct {
	offset int
	size   int
	free   bool
}

func collectBlocks(t *testing.T, a *arena.Arena) []blockInfo {
	t.Helper()

	var blocks []blockInfo
	require.NoError(t, a.VisitBlocks(func(offset, size int, free bool) error {
		blocks = append(blocks, blockInfo{offset: offset, size: size, free: free})
		return nil
	}))
	return blocks
}

func TestArenaInitMinimumPool(t *testing.T) {
	a := arena.New(&backing.System{})
	require.NoError(t, a.Init(1))
	defer a.Destroy()

	require.Equal(t, arena.MinFreeBlockSize, a.PoolSize())
	require.Equal(t, 1, a.FreeBlocksCount())
	require.Equal(t, a.PoolSize(), a.FreeBytes())
	require.Equal(t, 0, a.AllocationCount())
	require.NoError(t, a.Validate())
}

func TestArenaInitStats(t *testing.T) {
	a := arena.New(&backing.System{})
	require.NoError(t, a.Init(4096))
	defer a.Destroy()

	var stats triheap.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	require.Equal(t, triheap.DetailedStatistics{
		Statistics: triheap.Statistics{
			PoolCount:       1,
			PoolBytes:       4096,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
		FreeRangeSizeMin:  4096,
		FreeRangeSizeMax:  4096,
	}, stats)
}

func TestArenaAllocBoundsAndAlignment(t *testing.T) {
	a := arena.New(&backing.System{})
	require.NoError(t, a.Init(4096))
	defer a.Destroy()

	ptr := a.Alloc(100)
	require.NotNil(t, ptr)
	require.True(t, a.Contains(ptr))
	require.Zero(t, uintptr(ptr)%8)
	require.NoError(t, a.Validate())

	var stats triheap.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	span := arena.OccupiedSpan(100)
	require.Equal(t, triheap.DetailedStatistics{
		Statistics: triheap.Statistics{
			PoolCount:       1,
			PoolBytes:       4096,
			AllocationCount: 1,
			AllocationBytes: span,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: span,
		AllocationSizeMax: span,
		FreeRangeSizeMin:  4096 - span,
		FreeRangeSizeMax:  4096 - span,
	}, stats)
}

func TestArenaAllocZeroIsNoop(t *testing.T) {
	a := arena.New(&backing.System{})
	require.NoError(t, a.Init(4096))
	defer a.Destroy()

	require.Nil(t, a.Alloc(0))
	require.Equal(t, 4096, a.FreeBytes())
	require.Equal(t, 1, a.FreeBlocksCount())
}

func TestArenaReuseAfterFree(t *testing.T) {
	a := arena.New(&backing.System{})
	require.NoError(t, a.Init(4096))
	defer a.Destroy()

	first := a.Alloc(100)
	require.NotNil(t, first)
	require.NoError(t, a.Free(first))
	require.NoError(t, a.Validate())

	// With no intervening allocations, the freed span has coalesced back and
	// the same request must land on the same address.
	second := a.Alloc(100)
	require.Equal(t, first, second)
}

func TestArenaCoalescing(t *testing.T) {
	a := arena.New(&backing.System{})
	require.NoError(t, a.Init(4096))
	defer a.Destroy()

	span := arena.OccupiedSpan(100)
	require.Equal(t, 128, span)

	blockA := a.Alloc(100)
	blockB := a.Alloc(100)
	blockC := a.Alloc(100)
	require.NotNil(t, blockA)
	require.NotNil(t, blockB)
	require.NotNil(t, blockC)
	require.Equal(t, 1, a.FreeBlocksCount())

	// Free the middle block: both neighbors are taken, so it stays alone.
	require.NoError(t, a.Free(blockB))
	require.Equal(t, 2, a.FreeBlocksCount())
	require.NoError(t, a.Validate())

	// Freeing A must merge with B's span into a single free-list entry.
	require.NoError(t, a.Free(blockA))
	require.Equal(t, 2, a.FreeBlocksCount())
	require.NoError(t, a.Validate())

	blocks := collectBlocks(t, a)
	require.Equal(t, []blockInfo{
		{offset: 0, size: 2 * span, free: true},
		{offset: 2 * span, size: span, free: false},
		{offset: 3 * span, size: 4096 - 3*span, free: true},
	}, blocks)

	// Freeing C merges everything back into one pool-spanning entry.
	require.NoError(t, a.Free(blockC))
	require.Equal(t, 1, a.FreeBlocksCount())
	require.Equal(t, 4096, a.FreeBytes())
	require.NoError(t, a.Validate())

	blocks = collectBlocks(t, a)
	require.Equal(t, []blockInfo{
		{offset: 0, size: 4096, free: true},
	}, blocks)
}

func TestArenaFirstFitNotBestFit(t *testing.T) {
	a := arena.New(&backing.System{})
	require.NoError(t, a.Init(2048))
	defer a.Destroy()

	big := a.Alloc(1000)
	separator := a.Alloc(8)
	require.NotNil(t, big)
	require.NotNil(t, separator)

	// The freed 1024-byte span goes to the free-list head, ahead of the
	// smaller 992-byte tail. First-fit must take the head even though the
	// tail would be the tighter fit.
	require.NoError(t, a.Free(big))
	require.Equal(t, 2, a.FreeBlocksCount())

	small := a.Alloc(8)
	require.Equal(t, big, small)
	require.NoError(t, a.Validate())
}

func TestArenaSplitThreshold(t *testing.T) {
	a := arena.New(&backing.System{})
	require.NoError(t, a.Init(4096))
	defer a.Destroy()

	victim := a.Alloc(100)
	guard := a.Alloc(100)
	require.NotNil(t, victim)
	require.NotNil(t, guard)

	require.NoError(t, a.Free(victim))
	require.Equal(t, 2, a.FreeBlocksCount())

	// OccupiedSpan(64) is 88; the 128-byte hole would leave a 40-byte tail,
	// below the minimum viable free block, so the whole hole is taken.
	reused := a.Alloc(64)
	require.Equal(t, victim, reused)
	require.Equal(t, 1, a.FreeBlocksCount())

	blocks := collectBlocks(t, a)
	require.Equal(t, blockInfo{offset: 0, size: arena.OccupiedSpan(100), free: false}, blocks[0])
	require.NoError(t, a.Validate())
}

func TestArenaExhaustion(t *testing.T) {
	a := arena.New(&backing.System{})
	require.NoError(t, a.Init(1024))
	defer a.Destroy()

	require.Nil(t, a.Alloc(2000))
	require.Equal(t, 1024, a.FreeBytes())
	require.Equal(t, 1, a.FreeBlocksCount())
	require.NoError(t, a.Validate())

	filler := a.Alloc(900)
	require.NotNil(t, filler)
	require.Nil(t, a.Alloc(900))
	require.NoError(t, a.Validate())
}

func TestArenaFreeNil(t *testing.T) {
	a := arena.New(&backing.System{})
	require.NoError(t, a.Init(1024))
	defer a.Destroy()

	require.NoError(t, a.Free(nil))
	require.Equal(t, 1024, a.FreeBytes())
}

func TestArenaDoubleFree(t *testing.T) {
	a := arena.New(&backing.System{})
	require.NoError(t, a.Init(4096))
	defer a.Destroy()

	ptr := a.Alloc(100)
	require.NotNil(t, ptr)

	require.NoError(t, a.Free(ptr))
	require.ErrorIs(t, a.Free(ptr), triheap.ErrDoubleFree)
	require.NoError(t, a.Validate())
}

func TestArenaFreeForeignPointerIsSilent(t *testing.T) {
	a := arena.New(&backing.System{})
	require.NoError(t, a.Init(1024))
	defer a.Destroy()

	taken := a.Alloc(100)
	require.NotNil(t, taken)
	freeBytes := a.FreeBytes()

	var outside [64]byte
	require.NoError(t, a.Free(unsafe.Pointer(&outside[0])))
	require.Equal(t, freeBytes, a.FreeBytes())
	require.Equal(t, 1, a.AllocationCount())
	require.NoError(t, a.Validate())
}

func TestArenaUseBeforeInit(t *testing.T) {
	a := arena.New(&backing.System{})

	require.Nil(t, a.Alloc(100))
	require.False(t, a.Contains(unsafe.Pointer(a)))

	var dummy [64]byte
	require.ErrorIs(t, a.Free(unsafe.Pointer(&dummy[0])), triheap.ErrNotInitialized)
}

func TestArenaDestroyAndReinit(t *testing.T) {
	provider := &backing.System{}
	a := arena.New(provider)
	require.NoError(t, a.Init(4096))

	require.NotNil(t, a.Alloc(100))

	a.Destroy()
	require.False(t, a.IsInitialized())
	require.Equal(t, 0, provider.AllocatedBytes())

	// Double destroy is a no-op
	a.Destroy()

	require.NoError(t, a.Init(4096))
	require.Equal(t, 4096, a.FreeBytes())
	a.Destroy()
}

func TestArenaInitBackingFailure(t *testing.T) {
	a := arena.New(&backing.Bounded{Limit: 16})

	err := a.Init(4096)
	require.ErrorIs(t, err, backing.OutOfMemoryError)
	require.False(t, a.IsInitialized())
}

func TestArenaCallerDataDoesNotCorruptNeighbors(t *testing.T) {
	a := arena.New(&backing.System{})
	require.NoError(t, a.Init(4096))
	defer a.Destroy()

	sizes := []int{100, 250, 60, 500}
	ptrs := make([]unsafe.Pointer, len(sizes))
	for i, size := range sizes {
		ptrs[i] = a.Alloc(size)
		require.NotNil(t, ptrs[i])

		data := unsafe.Slice((*byte)(ptrs[i]), size)
		for j := range data {
			data[j] = byte(i*31 + j)
		}
	}
	require.NoError(t, a.Validate())

	for i, size := range sizes {
		data := unsafe.Slice((*byte)(ptrs[i]), size)
		for j := range data {
			require.Equal(t, byte(i*31+j), data[j])
		}
	}

	for _, ptr := range ptrs {
		require.NoError(t, a.Free(ptr))
	}
	require.Equal(t, 1, a.FreeBlocksCount())
	require.Equal(t, 4096, a.FreeBytes())
	require.NoError(t, a.Validate())
}
