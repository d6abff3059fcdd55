package memory

import (
	"fmt"
	"sync"

	abierr "github.com/reglet-dev/framecall/errors"
)

// Tracker wraps an Allocator and records the ownership history of every
// address it hands out. It flags double frees, frees of unknown addresses,
// size mismatches, and reads of reclaimed buffers, and refuses to forward a
// flagged Free to the wrapped allocator.
//
// The protocol has no runtime ownership checks of its own; Tracker exists so
// tests can prove that a sequence of hand-offs upholds single ownership.
type Tracker struct {
	next       Allocator
	live       map[uint32]uint32
	freed      map[uint32]struct{}
	violations []error
	allocs     int
	frees      int
	mu         sync.Mutex
}

// NewTracker wraps next.
func NewTracker(next Allocator) *Tracker {
	return &Tracker{
		next:  next,
		live:  make(map[uint32]uint32),
		freed: make(map[uint32]struct{}),
	}
}

// Alloc implements Allocator.
func (t *Tracker) Alloc(size uint32) (uint32, error) {
	ptr, err := t.next.Alloc(size)
	if err != nil {
		return 0, err
	}
	if ptr == 0 {
		return 0, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.live[ptr] = size
	delete(t.freed, ptr)
	t.allocs++
	return ptr, nil
}

// Free implements Allocator.
func (t *Tracker) Free(ptr, size uint32) error {
	t.mu.Lock()
	if _, wasFreed := t.freed[ptr]; wasFreed {
		err := t.flagLocked("free", ptr, "double free")
		t.mu.Unlock()
		return err
	}
	allocated, ok := t.live[ptr]
	if !ok {
		err := t.flagLocked("free", ptr, "free of unknown address")
		t.mu.Unlock()
		return err
	}
	if allocated != size {
		err := t.flagLocked("free", ptr, fmt.Sprintf("size mismatch: allocated %d, freeing %d", allocated, size))
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	if err := t.next.Free(ptr, size); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.live, ptr)
	t.freed[ptr] = struct{}{}
	t.frees++
	return nil
}

// Check implements Checker: it flags any access to a reclaimed address.
func (t *Tracker) Check(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr := uint32(h)
	if _, wasFreed := t.freed[addr]; wasFreed {
		return t.flagLocked("access", addr, "use after free")
	}
	if _, ok := t.live[addr]; !ok {
		return t.flagLocked("access", addr, "access to unknown address")
	}
	return nil
}

// Outstanding returns the number of allocations not yet freed.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Counts returns the total number of successful allocations and frees.
func (t *Tracker) Counts() (allocs, frees int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocs, t.frees
}

// Violations returns every protocol violation flagged so far.
func (t *Tracker) Violations() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]error, len(t.violations))
	copy(out, t.violations)
	return out
}

func (t *Tracker) flagLocked(op string, addr uint32, detail string) error {
	err := &abierr.ProtocolViolation{Op: op, Address: addr, Detail: detail}
	t.violations = append(t.violations, err)
	return err
}
