package tiered

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/triheap/triheap"
)

// PrintStatsJson populates a json object with per-tier statistics. The core
// supplies the data; formatting and presentation stay out here with the
// reporter.
func (a *Allocator) PrintStatsJson(json jwriter.ObjectState) {
	var total triheap.DetailedStatistics
	total.Clear()
	a.AddDetailedStatistics(&total)

	totalObj := json.Name("Total").Object()
	total.PrintJson(totalObj)
	totalObj.End()

	slabArray := json.Name("SlabPools").Array()
	for _, s := range a.slabs {
		obj := slabArray.Object()
		obj.Name("BlockSize").Int(s.BlockSize())
		obj.Name("TotalBlocks").Int(s.TotalBlocks())
		obj.Name("FreeBlocks").Int(s.FreeBlocksCount())
		obj.Name("UsedBlocks").Int(s.UsedBlocksCount())
		obj.Name("PoolBytes").Int(s.PoolSize())
		obj.End()
	}
	slabArray.End()

	arenaObj := json.Name("Arena").Object()
	arenaObj.Name("PoolBytes").Int(a.arena.PoolSize())
	arenaObj.Name("FreeBytes").Int(a.arena.FreeBytes())
	arenaObj.Name("UsedBytes").Int(a.arena.UsedBytes())
	arenaObj.Name("FreeBlocks").Int(a.arena.FreeBlocksCount())
	arenaObj.Name("Allocations").Int(a.arena.AllocationCount())
	arenaObj.End()

	directObj := json.Name("DirectAllocations").Object()
	directObj.Name("Count").Int(a.DirectAllocationCount())
	directObj.Name("TotalBytes").Int(a.DirectAllocationBytes())
	directObj.Name("Threshold").Int(DirectThreshold)
	directObj.End()
}

// PrintBlocksJson populates a json object with a full block map of every
// tier. This walks every pool and should only be used for diagnostics.
func (a *Allocator) PrintBlocksJson(json jwriter.ObjectState) {
	slabArray := json.Name("SlabPools").Array()
	for _, s := range a.slabs {
		poolObj := slabArray.Object()
		poolObj.Name("BlockSize").Int(s.BlockSize())

		blockArray := poolObj.Name("Blocks").Array()
		_ = s.VisitBlocks(func(offset, size int, free bool) error {
			obj := blockArray.Object()
			obj.Name("Offset").Int(offset)
			obj.Name("Size").Int(size)
			obj.Name("Free").Bool(free)
			obj.End()
			return nil
		})
		blockArray.End()
		poolObj.End()
	}
	slabArray.End()

	arenaArray := json.Name("ArenaBlocks").Array()
	_ = a.arena.VisitBlocks(func(offset, size int, free bool) error {
		obj := arenaArray.Object()
		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		obj.Name("Free").Bool(free)
		obj.End()
		return nil
	})
	arenaArray.End()

	directArray := json.Name("DirectBlocks").Array()
	a.directBlocks.Iter(func(addr uintptr, block directBlock) bool {
		obj := directArray.Object()
		obj.Name("Size").Int(block.size)
		obj.End()
		return false
	})
	directArray.End()
}

// BuildStatsString builds a json string from the allocator's current state.
// When detailedMap is true, a complete block map of every tier is included.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	if !a.initialized {
		return "{}"
	}

	writer := jwriter.NewWriter()
	obj := writer.Object()

	a.PrintStatsJson(obj)
	if detailedMap {
		a.PrintBlocksJson(obj)
	}

	obj.End()
	return string(writer.Bytes())
}
