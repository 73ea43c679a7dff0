package triheap

import "github.com/pkg/errors"

var (
	// ErrNotInitialized is returned when an allocator method is called before Init or after Destroy
	ErrNotInitialized error = errors.New("allocator is not initialized")
	// ErrAlreadyInitialized is returned from Init when the allocator has already been initialized
	ErrAlreadyInitialized error = errors.New("allocator is already initialized")
	// ErrDoubleFree is returned when freeing a block that is already free
	ErrDoubleFree error = errors.New("block is already free")
	// ErrForeignPointer is returned when freeing a pointer that does not belong to the allocator
	ErrForeignPointer error = errors.New("pointer does not belong to this allocator")
)
