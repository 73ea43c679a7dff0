//go:build !heap_debug

package triheap

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the heap_debug build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugAssert panics with the provided message when cond is false. This method no-ops unless the
// heap_debug build tag is present, matching the contract that caller misuse is fatal only in
// debug configurations.
func DebugAssert(cond bool, msg string) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the heap_debug build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}
