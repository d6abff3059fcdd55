package memory

import (
	"errors"
	"fmt"
	"sort"

	abierr "github.com/reglet-dev/framecall/errors"
)

const (
	// heapAlign is the allocation granularity of a Heap.
	heapAlign = 8

	// poisonByte fills freed memory so stale reads are visible in tests.
	poisonByte = 0xdd
)

var (
	// ErrOutOfMemory is returned when no free span can satisfy an allocation.
	ErrOutOfMemory = errors.New("memory: heap exhausted")
	// ErrReserveAfterAlloc is returned by Reserve once dynamic allocation has begun.
	ErrReserveAfterAlloc = errors.New("memory: static regions must be reserved before any allocation")
)

type span struct {
	off, size uint32
}

type block struct {
	requested uint32
	aligned   uint32
}

// Heap is a simulated linear memory with a first-fit free-list allocator.
// Address 0 is never handed out, so a zero Handle always means "none".
//
// Heap stands in for a guest module's memory in tests and host-side
// simulation. Static regions carved out with Reserve sit below the dynamic
// area and are never touched by Alloc or Free.
type Heap struct {
	mem     []byte
	base    uint32
	free    []span
	live    map[uint32]block
	inUse   uint64
	started bool
}

// NewHeap creates a heap backed by size bytes of memory.
func NewHeap(size uint32) *Heap {
	h := &Heap{
		mem:  make([]byte, size),
		base: heapAlign,
		live: make(map[uint32]block),
	}
	if size > heapAlign {
		h.free = []span{{off: heapAlign, size: alignDown(size - heapAlign)}}
	}
	return h
}

// Read implements LinearMemory.
func (h *Heap) Read(offset, length uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(length)
	if end > uint64(len(h.mem)) {
		return nil, false
	}
	return h.mem[offset:end:end], true
}

// Write implements LinearMemory.
func (h *Heap) Write(offset uint32, data []byte) bool {
	end := uint64(offset) + uint64(len(data))
	if end > uint64(len(h.mem)) {
		return false
	}
	copy(h.mem[offset:end], data)
	return true
}

// Reserve carves a static region of size bytes out of the bottom of the
// dynamic area. It must be called before the first Alloc.
func (h *Heap) Reserve(size uint32) (Handle, error) {
	if h.started {
		return 0, ErrReserveAfterAlloc
	}
	aligned := alignUp(size)
	if len(h.free) == 0 || h.free[0].size < aligned {
		return 0, &abierr.AllocationError{Requested: size, Err: ErrOutOfMemory}
	}
	addr := h.free[0].off
	h.free[0].off += aligned
	h.free[0].size -= aligned
	if h.free[0].size == 0 {
		h.free = h.free[1:]
	}
	h.base = addr + aligned
	return Handle(addr), nil
}

// Alloc implements Allocator. A zero-size request returns address 0.
func (h *Heap) Alloc(size uint32) (uint32, error) {
	h.started = true
	if size == 0 {
		return 0, nil
	}
	aligned := alignUp(size)
	if aligned < size {
		return 0, &abierr.AllocationError{Requested: size, Err: ErrOutOfMemory}
	}
	for i, s := range h.free {
		if s.size < aligned {
			continue
		}
		addr := s.off
		if s.size == aligned {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = span{off: s.off + aligned, size: s.size - aligned}
		}
		clear(h.mem[addr : addr+aligned])
		h.live[addr] = block{requested: size, aligned: aligned}
		h.inUse += uint64(aligned)
		return addr, nil
	}
	return 0, &abierr.AllocationError{
		Requested: size,
		InUse:     h.inUse,
		Limit:     uint64(len(h.mem)) - uint64(h.base),
		Err:       ErrOutOfMemory,
	}
}

// Free implements Allocator. Unknown addresses and size mismatches are
// reported as protocol violations and leave the heap unchanged.
func (h *Heap) Free(ptr, size uint32) error {
	b, ok := h.live[ptr]
	if !ok {
		return &abierr.ProtocolViolation{Op: "free", Address: ptr, Detail: "address is not a live allocation"}
	}
	if b.requested != size {
		return &abierr.ProtocolViolation{
			Op:      "free",
			Address: ptr,
			Detail:  fmt.Sprintf("freeing %d bytes of a %d byte allocation", size, b.requested),
		}
	}
	delete(h.live, ptr)
	h.inUse -= uint64(b.aligned)
	for i := ptr; i < ptr+b.aligned; i++ {
		h.mem[i] = poisonByte
	}
	h.insertFree(span{off: ptr, size: b.aligned})
	return nil
}

// Live returns the number of live dynamic allocations.
func (h *Heap) Live() int {
	return len(h.live)
}

// InUse returns the number of bytes held by live dynamic allocations.
func (h *Heap) InUse() uint64 {
	return h.inUse
}

// Size returns the total size of the simulated memory.
func (h *Heap) Size() uint32 {
	return uint32(len(h.mem))
}

func (h *Heap) insertFree(s span) {
	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].off > s.off })
	h.free = append(h.free, span{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = s

	// Coalesce with the following span, then the preceding one.
	if i+1 < len(h.free) && h.free[i].off+h.free[i].size == h.free[i+1].off {
		h.free[i].size += h.free[i+1].size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].off+h.free[i-1].size == h.free[i].off {
		h.free[i-1].size += h.free[i].size
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
}

func alignUp(n uint32) uint32 {
	return (n + heapAlign - 1) &^ (heapAlign - 1)
}

func alignDown(n uint32) uint32 {
	return n &^ (heapAlign - 1)
}
