// Package guesttest provides a test harness for guest_func handlers.
//
// The harness runs a guest over a simulated linear memory and plays the host
// side of every call, so a handler can be exercised end to end without
// compiling to WebAssembly.
package guesttest

import (
	"context"
	"testing"

	"github.com/reglet-dev/framecall/abipb"
	"github.com/reglet-dev/framecall/dispatch"
	abierr "github.com/reglet-dev/framecall/errors"
	"github.com/reglet-dev/framecall/escape"
	"github.com/reglet-dev/framecall/frame"
	"github.com/reglet-dev/framecall/guest"
	"github.com/reglet-dev/framecall/hostfuncs"
	"github.com/reglet-dev/framecall/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// HeapSize is the size of the simulated linear memory.
const HeapSize = 1 << 20

// Harness is a guest wired to a tracked heap.
type Harness struct {
	Heap    *memory.Heap
	Tracker *memory.Tracker
	Manager *memory.Manager
	Guest   *guest.Guest
}

// New starts a guest with opts. host_hello is answered with hostfuncs.Hello
// unless opts replace it.
func New(t testing.TB, opts ...guest.Option) *Harness {
	t.Helper()

	heap := memory.NewHeap(HeapSize)
	region, err := heap.Reserve(escape.RegionSize)
	require.NoError(t, err)
	tracker := memory.NewTracker(heap)
	h := &Harness{
		Heap:    heap,
		Tracker: tracker,
		Manager: memory.NewManager(heap, tracker),
	}

	base := []guest.Option{
		guest.WithHostHello(func(ctx context.Context, in memory.Handle) (memory.Handle, error) {
			return dispatch.Serve(ctx, dispatch.New(h.Manager, nil), in, hostfuncs.Hello)
		}),
		guest.WithFatal(func(err error) {
			t.Errorf("guest allocation failure: %v", err)
		}),
	}
	h.Guest = guest.New(h.Manager, region, func(memory.Handle) {}, append(base, opts...)...)
	require.NoError(t, h.Guest.Start())
	return h
}

// Call sends message to guest_func the way the host does. A guest that
// leaves through the escape channel yields *errors.AbortError carrying the
// message the host would read from the error frame.
func (h *Harness) Call(ctx context.Context, message string) (reply string, err error) {
	d := dispatch.New(h.Manager, nil)
	resp, err := dispatch.Call[abipb.Request, abipb.Response](ctx, d, h.guestFunc, abipb.Request{Message: message})
	if err != nil {
		return "", err
	}
	return resp.Reply, nil
}

func (h *Harness) guestFunc(ctx context.Context, in memory.Handle) (out memory.Handle, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		term, ok := r.(*escape.Terminated)
		if !ok {
			panic(r)
		}
		err = &abierr.AbortError{Message: h.readFrame(term.Handle)}
	}()
	return h.Guest.GuestFunc(ctx, in), nil
}

func (h *Harness) readFrame(at memory.Handle) string {
	prefix, ok := h.Heap.Read(uint32(at), frame.PrefixSize)
	if !ok {
		return ""
	}
	n, err := frame.PayloadLen(prefix)
	if err != nil {
		return ""
	}
	body, ok := h.Heap.Read(uint32(at)+frame.PrefixSize, n)
	if !ok {
		return ""
	}
	return string(body)
}

// AssertNoLeaks asserts every buffer was freed exactly once.
func (h *Harness) AssertNoLeaks(t testing.TB) {
	t.Helper()
	assert.Zero(t, h.Tracker.Outstanding(), "outstanding allocations")
	assert.Empty(t, h.Tracker.Violations(), "ownership violations")
}

// TestCase defines one guest_func call.
type TestCase struct {
	Name    string
	Message string
	// Want is the expected reply when WantAbort is empty.
	Want string
	// WantAbort is a substring of the expected abort message.
	WantAbort string
}

// RunHandlerTests runs each case against a fresh guest serving handler.
func RunHandlerTests(t *testing.T, handler dispatch.Handler[abipb.Request, abipb.Response], tests []TestCase) {
	t.Helper()

	for _, tc := range tests {
		t.Run(tc.Name, func(t *testing.T) {
			h := New(t, guest.WithHandler(handler))
			reply, err := h.Call(context.Background(), tc.Message)

			if tc.WantAbort != "" {
				var abort *abierr.AbortError
				require.ErrorAs(t, err, &abort)
				assert.Contains(t, abort.Message, tc.WantAbort)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.Want, reply)
			}
			h.AssertNoLeaks(t)
		})
	}
}
