package arena

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// Block layout inside the pool. Every block starts with a header and ends
// with a footer holding a copy of the span size, so the physically preceding
// block can be found by walking backward:
//
//	[0,8)   span size in bytes (header + data + footer)
//	[8,9)   free flag
//	[16,24) offset of the next free block  (free blocks only)
//	[24,32) offset of the previous free block (free blocks only)
//	...
//	[size-8,size) span size copy (footer)
//
// The free-list links physically occupy the first 16 bytes of the data
// region; they are only meaningful while the block is free and become plain
// caller data once the block is allocated. This file is the only place the
// arena decodes or encodes those fields, or converts between pool offsets and
// raw addresses.

const (
	alignment = 8

	// DataOffset is where an allocated block's data region begins, relative
	// to its header: the size word plus the free flag, aligned up.
	DataOffset = 16
	// FreeHeaderSize is the header span of a free block, including both
	// free-list links.
	FreeHeaderSize = 32
	// FooterSize is the boundary-tag footer span.
	FooterSize = 8

	// minViableSize is the smallest span any valid block can have: an
	// allocated block serving a request of up to 8 bytes. The validity
	// predicate must accept spans this small or legitimate frees would be
	// rejected as foreign.
	minViableSize = DataOffset + alignment + FooterSize
	// MinFreeBlockSize is the smallest span worth keeping as an independent
	// free block: room for the free header, one aligned data unit and the
	// footer. Enforced when splitting and when sizing the pool.
	MinFreeBlockSize = FreeHeaderSize + alignment + FooterSize
)

// nilOffset marks the absence of a free-list neighbor. Encoded in pool memory
// as all-ones.
const nilOffset = -1

// OccupiedSpan returns the total block span needed to serve a data request of
// the given size.
func OccupiedSpan(size int) int {
	aligned := (size + alignment - 1) &^ (alignment - 1)
	return (DataOffset + aligned + FooterSize + alignment - 1) &^ (alignment - 1)
}

func (a *Arena) word(offset int) int {
	v := binary.LittleEndian.Uint64(a.pool[offset : offset+8])
	if v == math.MaxUint64 {
		return nilOffset
	}
	return int(v)
}

func (a *Arena) putWord(offset int, value int) {
	v := uint64(value)
	if value == nilOffset {
		v = math.MaxUint64
	}
	binary.LittleEndian.PutUint64(a.pool[offset:offset+8], v)
}

func (a *Arena) blockSize(header int) int {
	return a.word(header)
}

func (a *Arena) setBlockSize(header int, size int) {
	a.putWord(header, size)
}

func (a *Arena) isFree(header int) bool {
	return a.pool[header+8] != 0
}

func (a *Arena) setFree(header int, free bool) {
	if free {
		a.pool[header+8] = 1
	} else {
		a.pool[header+8] = 0
	}
}

func (a *Arena) nextFree(header int) int {
	return a.word(header + 16)
}

func (a *Arena) setNextFree(header int, next int) {
	a.putWord(header+16, next)
}

func (a *Arena) prevFree(header int) int {
	return a.word(header + 24)
}

func (a *Arena) setPrevFree(header int, prev int) {
	a.putWord(header+24, prev)
}

// writeFooter copies the block's current size into its footer.
func (a *Arena) writeFooter(header int) {
	size := a.blockSize(header)
	a.putWord(header+size-FooterSize, size)
}

// validHeader is the validity predicate applied before every footer or
// coalescing dereference: the header must lie inside the pool, its declared
// size must be at least the minimum viable span, and the block must not run
// past the pool end. This is the sole safety net against corrupted or foreign
// headers.
func (a *Arena) validHeader(header int) bool {
	if header < 0 || header+minViableSize > len(a.pool) {
		return false
	}

	size := a.blockSize(header)
	return size >= minViableSize && header+size <= len(a.pool)
}

// prevBlock locates the physically preceding block through its footer.
// Returns nilOffset when there is none or the footer does not check out.
func (a *Arena) prevBlock(header int) int {
	if header == 0 {
		return nilOffset
	}

	prevSize := a.word(header - FooterSize)
	if prevSize <= 0 || prevSize > header {
		return nilOffset
	}

	prev := header - prevSize
	if !a.validHeader(prev) || prev+a.blockSize(prev) != header {
		return nilOffset
	}
	return prev
}

func (a *Arena) basePtr() unsafe.Pointer {
	return unsafe.Pointer(&a.pool[0])
}

// dataPtr returns the caller-visible address of a block's data region.
func (a *Arena) dataPtr(header int) unsafe.Pointer {
	return unsafe.Add(a.basePtr(), header+DataOffset)
}

// headerFromData recovers a block header offset from a caller pointer. The
// second result is false when the pointer does not map to a valid header
// inside this pool.
func (a *Arena) headerFromData(ptr unsafe.Pointer) (int, bool) {
	if ptr == nil || len(a.pool) == 0 {
		return nilOffset, false
	}

	base := uintptr(a.basePtr())
	addr := uintptr(ptr)
	if addr < base+DataOffset || addr >= base+uintptr(len(a.pool)) {
		return nilOffset, false
	}

	header := int(addr-base) - DataOffset
	if !a.validHeader(header) {
		return nilOffset, false
	}
	return header, true
}
