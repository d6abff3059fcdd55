//go:build wasip1

package memory

import (
	"fmt"
	"sync"
	"unsafe"

	abierr "github.com/reglet-dev/framecall/errors"
)

// MaxTotalAllocations bounds the bytes a PinnedAllocator will hand out.
// This prevents unbounded growth of the module's linear memory.
const MaxTotalAllocations = 100 * 1024 * 1024 // 100 MB

// NativeMemory is the module's own linear memory, addressed directly.
type NativeMemory struct{}

// Read returns a view of guest memory. Callers copy before the buffer is freed.
func (NativeMemory) Read(offset, length uint32) ([]byte, bool) {
	if offset == 0 {
		return nil, false
	}
	// WASM linear memory: uint32 offset -> pointer conversion is safe and necessary
	//nolint:gosec // G103: Valid unsafe.Pointer use for WASM linear memory access
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(offset))), length), true
}

// Write copies data into guest memory at offset.
func (NativeMemory) Write(offset uint32, data []byte) bool {
	if offset == 0 {
		return false
	}
	//nolint:gosec // G103: Valid unsafe.Pointer use for WASM linear memory access
	dest := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(offset))), len(data))
	copy(dest, data)
	return true
}

// AddressOf returns the linear-memory address of the first byte of b.
func AddressOf(b []byte) Handle {
	if len(b) == 0 {
		return 0
	}
	return Handle(uint32(uintptr(unsafe.Pointer(&b[0]))))
}

// PinnedAllocator hands out Go-managed byte slices and keeps a reference to
// each one until it is freed, so the garbage collector cannot reclaim memory
// the host still addresses.
type PinnedAllocator struct {
	ptrs  map[uint32][]byte
	total uint64
	limit uint64
	mu    sync.Mutex
}

// NewPinnedAllocator creates an allocator bounded by limit bytes.
// A zero limit uses MaxTotalAllocations.
func NewPinnedAllocator(limit uint64) *PinnedAllocator {
	if limit == 0 {
		limit = MaxTotalAllocations
	}
	return &PinnedAllocator{
		ptrs:  make(map[uint32][]byte),
		limit: limit,
	}
}

// Alloc implements Allocator. Go zeroes fresh slices.
func (a *PinnedAllocator) Alloc(size uint32) (uint32, error) {
	if size == 0 {
		return 0, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.total+uint64(size) > a.limit {
		return 0, &abierr.AllocationError{
			Requested: size,
			InUse:     a.total,
			Limit:     a.limit,
			Err:       fmt.Errorf("memory limit exceeded"),
		}
	}

	buf := make([]byte, size)
	ptr := uint32(AddressOf(buf))
	a.ptrs[ptr] = buf // PIN THE MEMORY: Store the slice to prevent GC
	a.total += uint64(size)
	return ptr, nil
}

// Free implements Allocator by dropping the pin and letting the GC collect
// the slice.
func (a *PinnedAllocator) Free(ptr, size uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored, ok := a.ptrs[ptr]
	if !ok {
		return &abierr.ProtocolViolation{Op: "free", Address: ptr, Detail: "address is not pinned"}
	}
	if uint32(len(stored)) != size {
		return &abierr.ProtocolViolation{
			Op:      "free",
			Address: ptr,
			Detail:  fmt.Sprintf("freeing %d bytes of a %d byte allocation", size, len(stored)),
		}
	}
	delete(a.ptrs, ptr)
	a.total -= uint64(len(stored))
	return nil
}

// Stats returns the number of pinned allocations and their total size.
func (a *PinnedAllocator) Stats() (count int, total uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ptrs), a.total
}
