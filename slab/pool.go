package slab

import (
	"encoding/binary"
	"unsafe"
)

// This file is the only place the slab allocator converts between pool
// offsets and raw addresses, or reinterprets pool bytes. Free-list links are
// stored as little-endian block indices in the first word of each free block;
// that word is plain caller data while the block is allocated.

func (a *Allocator) basePtr() unsafe.Pointer {
	return unsafe.Pointer(&a.pool[0])
}

func (a *Allocator) blockPtr(index int) unsafe.Pointer {
	return unsafe.Add(a.basePtr(), index*a.blockSize)
}

// indexOf maps a block address back to its index. The caller must have
// checked Belongs first.
func (a *Allocator) indexOf(ptr unsafe.Pointer) int {
	return int(uintptr(ptr)-uintptr(a.basePtr())) / a.blockSize
}

// link reads the free-list link stored inline in the block at the given index.
func (a *Allocator) link(index int) int {
	offset := index * a.blockSize
	return int(binary.LittleEndian.Uint64(a.pool[offset : offset+8]))
}

// putLink stores a free-list link inline in the block at the given index.
func (a *Allocator) putLink(index int, next int) {
	offset := index * a.blockSize
	binary.LittleEndian.PutUint64(a.pool[offset:offset+8], uint64(next))
}
