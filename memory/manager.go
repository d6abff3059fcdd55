package memory

import (
	"errors"
	"fmt"

	abierr "github.com/reglet-dev/framecall/errors"
	"github.com/reglet-dev/framecall/frame"
)

// Manager performs all allocation and reclamation of Framed Buffers for one
// side of the boundary.
type Manager struct {
	mem      LinearMemory
	alloc    Allocator
	maxFrame uint32
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxFrame caps the payload length Reclaim will trust. A prefix above the
// cap is reported as a protocol violation and the buffer is left untouched.
// Zero (the default) trusts any prefix.
func WithMaxFrame(n uint32) Option {
	return func(m *Manager) {
		m.maxFrame = n
	}
}

// NewManager couples a linear memory with the allocator that owns it.
func NewManager(mem LinearMemory, alloc Allocator, opts ...Option) *Manager {
	m := &Manager{mem: mem, alloc: alloc}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Outstanding reports the number of live allocations when the allocator
// counts them.
func (m *Manager) Outstanding() (int, bool) {
	c, ok := m.alloc.(Counter)
	if !ok {
		return 0, false
	}
	return c.Outstanding(), true
}

// Memory returns the underlying linear memory.
func (m *Manager) Memory() LinearMemory {
	return m.mem
}

// Allocate reserves size zero-initialized bytes and transfers ownership to
// the caller. Failures are always *errors.AllocationError.
func (m *Manager) Allocate(size uint32) (*Owned, error) {
	ptr, err := m.alloc.Alloc(size)
	if err != nil {
		var allocErr *abierr.AllocationError
		if errors.As(err, &allocErr) {
			return nil, err
		}
		return nil, &abierr.AllocationError{Requested: size, Err: err}
	}
	return &Owned{handle: Handle(ptr), size: size}, nil
}

// Write copies data into an owned buffer at offset.
func (m *Manager) Write(o *Owned, offset uint32, data []byte) error {
	if !o.Live() {
		return ErrReleased
	}
	end := uint64(offset) + uint64(len(data))
	if o.size != 0 && end > uint64(o.size) {
		return &abierr.ProtocolViolation{
			Op:      "write",
			Address: uint32(o.handle),
			Detail:  fmt.Sprintf("write of %d bytes at +%d exceeds %d byte allocation", len(data), offset, o.size),
		}
	}
	if !m.mem.Write(uint32(o.handle)+offset, data) {
		return &abierr.ProtocolViolation{Op: "write", Address: uint32(o.handle), Detail: "out of linear memory bounds"}
	}
	return nil
}

// WriteFrame allocates a Framed Buffer sized exactly for payload and fills it.
// On a failed write the fresh buffer is freed before returning.
func (m *Manager) WriteFrame(payload []byte) (*Owned, error) {
	if err := frame.CheckPayload(len(payload)); err != nil {
		return nil, err
	}
	n := uint32(len(payload))
	o, err := m.Allocate(frame.Size(n))
	if err != nil {
		return nil, err
	}
	buf, err := frame.Append(make([]byte, 0, frame.Size(n)), payload)
	if err == nil {
		err = m.Write(o, 0, buf)
	}
	if err != nil {
		m.discard(o)
		return nil, err
	}
	return o, nil
}

// discard frees a locally allocated buffer whose prefix was never written.
func (m *Manager) discard(o *Owned) {
	h, err := o.Release()
	if err != nil || h == 0 {
		return
	}
	_ = m.alloc.Free(uint32(h), o.size)
}

// Reclaim takes a buffer back from its owner, reads its length prefix to
// learn its extent, frees exactly length+4 bytes and returns a private copy
// of the whole frame. It consumes o whether or not it succeeds.
func (m *Manager) Reclaim(o *Owned) ([]byte, error) {
	h, err := o.Release()
	if err != nil {
		return nil, err
	}
	addr := uint32(h)
	if addr == 0 {
		return nil, &abierr.ProtocolViolation{Op: "reclaim", Address: addr, Detail: "null handle"}
	}
	if c, ok := m.alloc.(Checker); ok {
		if err := c.Check(h); err != nil {
			return nil, err
		}
	}

	prefix, ok := m.mem.Read(addr, frame.PrefixSize)
	if !ok {
		return nil, &abierr.ProtocolViolation{Op: "reclaim", Address: addr, Detail: "prefix out of bounds"}
	}
	n, err := frame.PayloadLen(prefix)
	if err != nil {
		return nil, err
	}
	if uint64(n) > frame.MaxPayload {
		return nil, &abierr.ProtocolViolation{Op: "reclaim", Address: addr, Detail: "payload length overflows address space"}
	}
	if m.maxFrame > 0 && n > m.maxFrame {
		// Ownership already moved to us: a refused frame is still freed. The
		// allocator rejects a size that does not match its own records.
		_ = m.alloc.Free(addr, frame.Size(n))
		return nil, &abierr.ProtocolViolation{
			Op:      "reclaim",
			Address: addr,
			Detail:  fmt.Sprintf("payload length %d exceeds limit %d", n, m.maxFrame),
		}
	}

	total := frame.Size(n)
	view, ok := m.mem.Read(addr, total)
	if !ok {
		return nil, &abierr.ProtocolViolation{
			Op:      "reclaim",
			Address: addr,
			Detail:  fmt.Sprintf("frame of %d bytes out of bounds", total),
		}
	}
	out := make([]byte, total)
	copy(out, view)

	if err := m.alloc.Free(addr, total); err != nil {
		return nil, err
	}
	return out, nil
}
