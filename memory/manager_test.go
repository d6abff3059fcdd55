package memory

import (
	"bytes"
	"errors"
	"testing"

	abierr "github.com/reglet-dev/framecall/errors"
	"github.com/reglet-dev/framecall/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, size uint32, opts ...Option) (*Manager, *Tracker, *Heap) {
	t.Helper()
	heap := NewHeap(size)
	tracker := NewTracker(heap)
	return NewManager(heap, tracker, opts...), tracker, heap
}

func TestManager_AllocateZeroed(t *testing.T) {
	m, tracker, heap := newTestManager(t, 4096)

	// Dirty a block, free it, then allocate over the same span.
	dirty, err := m.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, m.Write(dirty, 0, bytes.Repeat([]byte{0xff}, 64)))
	h, err := dirty.Release()
	require.NoError(t, err)
	require.NoError(t, tracker.Free(uint32(h), 64))

	o, err := m.Allocate(64)
	require.NoError(t, err)
	assert.Equal(t, h, o.Handle(), "first-fit should reuse the freed span")

	view, ok := heap.Read(uint32(o.Handle()), 64)
	require.True(t, ok)
	assert.Equal(t, make([]byte, 64), view)
}

func TestManager_WriteFrame_Framing(t *testing.T) {
	m, tracker, heap := newTestManager(t, 1<<16)

	for _, n := range []int{0, 1, 17, 255, 4096} {
		payload := bytes.Repeat([]byte{'x'}, n)
		o, err := m.WriteFrame(payload)
		require.NoError(t, err)

		assert.Equal(t, uint32(n+frame.PrefixSize), o.Size())
		prefix, ok := heap.Read(uint32(o.Handle()), frame.PrefixSize)
		require.True(t, ok)
		got, err := frame.PayloadLen(prefix)
		require.NoError(t, err)
		assert.Equal(t, uint32(n), got)

		raw, err := m.Reclaim(o)
		require.NoError(t, err)
		assert.Len(t, raw, n+frame.PrefixSize)
		body, err := frame.Split(raw)
		require.NoError(t, err)
		assert.Equal(t, payload, body)
	}

	assert.Zero(t, tracker.Outstanding())
	assert.Empty(t, tracker.Violations())

	n, ok := m.Outstanding()
	assert.True(t, ok)
	assert.Zero(t, n)
}

func TestManager_ReclaimConsumesOwned(t *testing.T) {
	m, tracker, _ := newTestManager(t, 1024)

	o, err := m.WriteFrame([]byte("payload"))
	require.NoError(t, err)

	_, err = m.Reclaim(o)
	require.NoError(t, err)
	assert.False(t, o.Live())

	_, err = m.Reclaim(o)
	assert.ErrorIs(t, err, ErrReleased)

	err = m.Write(o, 0, []byte("late"))
	assert.ErrorIs(t, err, ErrReleased)

	_, err = o.Release()
	assert.ErrorIs(t, err, ErrReleased)

	assert.Empty(t, tracker.Violations(), "structural checks fire before memory is touched")
}

func TestManager_ReclaimAfterHandOffFlagged(t *testing.T) {
	m, tracker, _ := newTestManager(t, 1024)

	o, err := m.WriteFrame([]byte("once"))
	require.NoError(t, err)
	h, err := o.Release()
	require.NoError(t, err)

	// Receiving side reclaims.
	_, err = m.Reclaim(Adopt(h))
	require.NoError(t, err)

	// A stale copy of the raw handle is adopted again: the tracker flags it.
	_, err = m.Reclaim(Adopt(h))
	require.Error(t, err)
	assert.ErrorIs(t, err, abierr.ErrProtocolViolation)

	violations := tracker.Violations()
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Error(), "use after free")
}

func TestManager_ReclaimNullHandle(t *testing.T) {
	m, _, _ := newTestManager(t, 256)
	_, err := m.Reclaim(Adopt(0))
	assert.ErrorIs(t, err, abierr.ErrProtocolViolation)
}

func TestManager_WithMaxFrame(t *testing.T) {
	m, tracker, _ := newTestManager(t, 1024, WithMaxFrame(8))

	small, err := m.WriteFrame([]byte("12345678"))
	require.NoError(t, err)
	_, err = m.Reclaim(small)
	require.NoError(t, err)

	big, err := m.WriteFrame([]byte("123456789"))
	require.NoError(t, err)
	_, err = m.Reclaim(big)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit 8")
	assert.Zero(t, tracker.Outstanding(), "a refused frame is still freed")
	assert.Empty(t, tracker.Violations())

	_, err = m.Reclaim(big)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestManager_WithMaxFrame_LyingPrefix(t *testing.T) {
	m, tracker, _ := newTestManager(t, 1024, WithMaxFrame(8))

	o, err := m.Allocate(16)
	require.NoError(t, err)
	// Prefix claims 100 bytes for a 16 byte allocation.
	require.NoError(t, m.Write(o, 0, []byte{0, 0, 0, 100}))

	_, err = m.Reclaim(o)
	assert.ErrorIs(t, err, abierr.ErrProtocolViolation)
	require.Len(t, tracker.Violations(), 1, "the allocator refuses the claimed size")
	assert.Contains(t, tracker.Violations()[0].Error(), "size mismatch")
	assert.Equal(t, 1, tracker.Outstanding())
}

func TestManager_ReclaimLyingPrefix(t *testing.T) {
	m, tracker, _ := newTestManager(t, 1024)

	o, err := m.Allocate(16)
	require.NoError(t, err)
	// Prefix claims 100 bytes for a 16 byte allocation.
	require.NoError(t, m.Write(o, 0, []byte{0, 0, 0, 100}))

	_, err = m.Reclaim(o)
	require.Error(t, err)
	assert.ErrorIs(t, err, abierr.ErrProtocolViolation)
	require.Len(t, tracker.Violations(), 1)
	assert.Contains(t, tracker.Violations()[0].Error(), "size mismatch")
}

func TestManager_AllocationFailure(t *testing.T) {
	m, _, _ := newTestManager(t, 64)

	_, err := m.Allocate(4096)
	require.Error(t, err)

	var allocErr *abierr.AllocationError
	require.True(t, errors.As(err, &allocErr))
	assert.Equal(t, uint32(4096), allocErr.Requested)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestManager_WriteBounds(t *testing.T) {
	m, _, _ := newTestManager(t, 256)

	o, err := m.Allocate(8)
	require.NoError(t, err)
	err = m.Write(o, 4, []byte("12345"))
	assert.ErrorIs(t, err, abierr.ErrProtocolViolation)

	adopted := Adopt(Handle(250))
	err = m.Write(adopted, 0, []byte("0123456789"))
	assert.ErrorIs(t, err, abierr.ErrProtocolViolation)
}

type failingAllocator struct{}

func (failingAllocator) Alloc(uint32) (uint32, error) { return 0, errors.New("no memory") }
func (failingAllocator) Free(uint32, uint32) error    { return nil }

func TestManager_WrapsForeignAllocatorErrors(t *testing.T) {
	m := NewManager(NewHeap(64), failingAllocator{})
	_, err := m.WriteFrame([]byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, abierr.ErrAllocation)

	_, ok := m.Outstanding()
	assert.False(t, ok, "failingAllocator does not count")
}

func TestOwned_Release(t *testing.T) {
	o := Adopt(Handle(0x40))
	assert.True(t, o.Live())
	assert.Equal(t, Handle(0x40), o.Handle())
	assert.Zero(t, o.Size())

	h, err := o.Release()
	require.NoError(t, err)
	assert.Equal(t, Handle(0x40), h)
	assert.False(t, o.Live())

	var nilOwned *Owned
	_, err = nilOwned.Release()
	assert.ErrorIs(t, err, ErrReleased)
	assert.Equal(t, "0x00000040", h.String())
}
