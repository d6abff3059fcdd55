package host

import (
	"context"
	"fmt"

	abierr "github.com/reglet-dev/framecall/errors"
	"github.com/tetratelabs/wazero/api"
)

// guestAllocator implements memory.Allocator by calling the guest's
// __alloc and __dealloc exports.
type guestAllocator struct {
	ctx     context.Context
	alloc   api.Function
	dealloc api.Function
}

func (a *guestAllocator) Alloc(size uint32) (uint32, error) {
	results, err := a.alloc.Call(a.ctx, uint64(size))
	if err != nil {
		return 0, &abierr.AllocationError{Requested: size, Err: fmt.Errorf("__alloc: %w", err)}
	}
	if len(results) == 0 {
		return 0, &abierr.AllocationError{Requested: size, Err: fmt.Errorf("__alloc returned no result")}
	}
	ptr := uint32(results[0]) //nolint:gosec // G115: WASM32 pointers are always 32-bit
	if ptr == 0 && size > 0 {
		return 0, &abierr.AllocationError{Requested: size, Err: fmt.Errorf("__alloc returned null")}
	}
	return ptr, nil
}

// Free hands ptr back to the guest, which learns the size from the prefix.
func (a *guestAllocator) Free(ptr, _ uint32) error {
	if _, err := a.dealloc.Call(a.ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("__dealloc 0x%08x: %w", ptr, err)
	}
	return nil
}
