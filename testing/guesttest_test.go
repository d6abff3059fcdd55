package guesttest

import (
	"context"
	"errors"
	"testing"

	"github.com/reglet-dev/framecall/abipb"
	abierr "github.com/reglet-dev/framecall/errors"
	"github.com/reglet-dev/framecall/guest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHarness_DefaultEcho(t *testing.T) {
	h := New(t)
	reply, err := h.Call(context.Background(), "Hello from guest!")
	require.NoError(t, err)
	assert.Equal(t, "Echoing: Hello from guest!", reply)
	h.AssertNoLeaks(t)

	allocs, frees := h.Tracker.Counts()
	assert.Equal(t, 2, allocs, "request and response")
	assert.Equal(t, allocs, frees)
}

func TestHarness_HandlerErrorAborts(t *testing.T) {
	h := New(t, guest.WithHandler(func(context.Context, abipb.Request) (abipb.Response, error) {
		return abipb.Response{}, errors.New("boom")
	}))

	_, err := h.Call(context.Background(), "hi")
	var abort *abierr.AbortError
	require.ErrorAs(t, err, &abort)
	assert.Contains(t, abort.Message, "boom")
	h.AssertNoLeaks(t)
}

func TestHarness_CallHost(t *testing.T) {
	h := New(t)
	reply := h.Guest.CallHost(context.Background(), guest.Greeting)
	assert.Equal(t, "Hello from host! You said: "+guest.Greeting, reply)
	h.AssertNoLeaks(t)
}

func TestRunHandlerTests(t *testing.T) {
	RunHandlerTests(t, guest.Echo, []TestCase{
		{Name: "echo", Message: "ping", Want: "Echoing: ping"},
		{Name: "unicode", Message: "héllo", Want: "Echoing: héllo"},
	})
}
