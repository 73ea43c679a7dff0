// Command heapdemo exercises the tiered heap manager across all three tiers
// and dumps allocator statistics as json.
package main

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/exp/slog"

	"github.com/triheap/triheap/backing"
	"github.com/triheap/triheap/tiered"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	provider := &backing.System{}
	allocator := tiered.New(provider, tiered.CreateOptions{})

	err := allocator.Init()
	if err != nil {
		logger.Error("failed to initialize heap", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("heap initialized", slog.Int("backingBytes", provider.AllocatedBytes()))

	// Small requests land in the slab pools
	var slabPtrs []unsafe.Pointer
	for _, size := range []int{10, 30, 64, 100, 256, 500} {
		ptr := allocator.Alloc(size)
		if ptr == nil {
			logger.Error("slab allocation failed", slog.Int("size", size))
			os.Exit(1)
		}
		logger.Info("allocated",
			slog.Int("size", size),
			slog.String("tier", allocator.Owner(ptr).String()),
			slog.Int("blockSize", allocator.SlabBlockSize(ptr)))
		slabPtrs = append(slabPtrs, ptr)
	}

	// Medium requests go to the coalescing arena
	mediumA := allocator.Alloc(4 * 1024)
	mediumB := allocator.Alloc(64 * 1024)
	logger.Info("allocated", slog.Int("size", 4*1024), slog.String("tier", allocator.Owner(mediumA).String()))
	logger.Info("allocated", slog.Int("size", 64*1024), slog.String("tier", allocator.Owner(mediumB).String()))

	// A request above the threshold bypasses the pools entirely
	large := allocator.Alloc(tiered.DirectThreshold + 1)
	logger.Info("allocated", slog.Int("size", tiered.DirectThreshold+1), slog.String("tier", allocator.Owner(large).String()))

	fmt.Println(allocator.BuildStatsString(false))

	err = allocator.Free(mediumA)
	if err != nil {
		logger.Error("free failed", slog.Any("error", err))
		os.Exit(1)
	}

	// The freed arena span coalesces with its free neighbor
	logger.Info("arena state after free",
		slog.Int("freeBytes", allocator.Arena().FreeBytes()),
		slog.Int("freeBlocks", allocator.Arena().FreeBlocksCount()))

	for _, ptr := range slabPtrs {
		err = allocator.Free(ptr)
		if err != nil {
			logger.Error("free failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
	err = allocator.Free(mediumB)
	if err == nil {
		err = allocator.Free(large)
	}
	if err != nil {
		logger.Error("free failed", slog.Any("error", err))
		os.Exit(1)
	}

	err = allocator.Validate()
	if err != nil {
		logger.Error("allocator failed validation", slog.Any("error", err))
		os.Exit(1)
	}

	fmt.Println(allocator.BuildStatsString(true))

	err = allocator.Destroy()
	if err != nil {
		logger.Error("failed to destroy heap", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("heap destroyed", slog.Int("backingBytes", provider.AllocatedBytes()))
}
