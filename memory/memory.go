// Package memory implements the guest memory manager: allocation and
// reclamation of Framed Buffers in a linear memory shared by guest and host.
//
// # Ownership
//
// A Handle is a raw address and the only value that crosses the boundary.
// Whoever holds a Handle owns the buffer it denotes and must eventually
// reclaim it. Inside a process, handles are wrapped in *Owned, which is
// consumed by Release (hand-off) or Reclaim (free). After either, the Owned is
// spent and every further use returns ErrReleased, so the source side cannot
// reference a buffer after handing it over.
//
// Linear memory itself provides no safety net. A reclaimed address may be
// reused by the next allocation, and a lying length prefix frees the wrong
// number of bytes. The Manager is the single authoritative free path; nothing
// else in this module frees shared-memory buffers.
package memory

import (
	"errors"
	"fmt"
)

// Handle is a raw address into linear memory denoting the first byte of a
// Framed Buffer's length prefix.
type Handle uint32

// String formats the handle as a hexadecimal address.
func (h Handle) String() string {
	return fmt.Sprintf("0x%08x", uint32(h))
}

// ErrReleased is returned when a spent *Owned is used again.
var ErrReleased = errors.New("memory: handle already released")

// LinearMemory is a flat byte-addressable region. The method set matches
// wazero's api.Memory so a guest module's memory can be used directly.
type LinearMemory interface {
	// Read returns a view of length bytes at offset, or false if out of range.
	Read(offset, length uint32) ([]byte, bool)
	// Write copies data to offset, or returns false if out of range.
	Write(offset uint32, data []byte) bool
}

// Allocator hands out regions of a LinearMemory.
type Allocator interface {
	// Alloc reserves size zero-initialized bytes and returns their address.
	Alloc(size uint32) (uint32, error)
	// Free releases size bytes at ptr. size must equal the allocated size.
	Free(ptr, size uint32) error
}

// Checker is implemented by allocators that can tell whether an address is
// still live. The Manager consults it before reading a buffer's prefix.
type Checker interface {
	Check(h Handle) error
}

// Counter is implemented by allocators that count live allocations.
type Counter interface {
	Outstanding() int
}

// Owned is an exclusive claim on a buffer. The zero value is not usable;
// obtain one from Manager.Allocate or Adopt.
type Owned struct {
	handle   Handle
	size     uint32
	released bool
}

// Adopt takes ownership of a handle received across the boundary.
func Adopt(h Handle) *Owned {
	return &Owned{handle: h}
}

// Handle returns the address without giving up ownership.
func (o *Owned) Handle() Handle {
	return o.handle
}

// Size returns the allocation size when known locally, or 0 for adopted handles.
func (o *Owned) Size() uint32 {
	return o.size
}

// Live reports whether the claim has not yet been released.
func (o *Owned) Live() bool {
	return o != nil && !o.released
}

// Release gives up ownership and returns the raw handle for hand-off.
// It succeeds exactly once.
func (o *Owned) Release() (Handle, error) {
	if o == nil || o.released {
		return 0, ErrReleased
	}
	o.released = true
	return o.handle, nil
}
