// Package escape is the guest's last-resort failure path.
//
// When an entry point cannot continue (a payload that does not decode, a
// broken invariant) the guest cannot return an error through its normal
// signature. Instead it writes a human-readable message into a static Framed
// Buffer reserved at startup and calls the host's abort import with that
// handle. The host records the message and tears the instance down; control
// never comes back.
//
// The static region lives outside the dynamic allocator so the channel keeps
// working when the heap itself is in trouble. The host must not free it.
package escape

import (
	"errors"
	"fmt"
	"sync"

	"github.com/reglet-dev/framecall/frame"
	"github.com/reglet-dev/framecall/memory"
)

const (
	// MaxMessageLen is the largest message the channel carries. Longer
	// messages are cut to this length without a marker.
	MaxMessageLen = 1020

	// RegionSize is the size of the static error frame.
	RegionSize = MaxMessageLen + frame.PrefixSize
)

// AbortFunc hands the error frame to the host. In a real guest it does not
// return.
type AbortFunc func(h memory.Handle)

// Terminated is raised as a panic when AbortFunc returns, so the failing entry
// point never resumes.
type Terminated struct {
	Message string
	Handle  memory.Handle
}

func (t *Terminated) Error() string {
	return "guest terminated: " + t.Message
}

// Channel writes failure messages into a fixed region and aborts.
type Channel struct {
	mem    memory.LinearMemory
	region memory.Handle
	abort  AbortFunc

	mu sync.Mutex
}

// New creates a channel over a preallocated region of at least RegionSize
// bytes.
func New(mem memory.LinearMemory, region memory.Handle, abort AbortFunc) *Channel {
	return &Channel{mem: mem, region: region, abort: abort}
}

// Region returns the handle of the static error frame.
func (c *Channel) Region() memory.Handle {
	return c.region
}

// Fail reports err to the host and does not return.
func (c *Channel) Fail(err error) {
	msg := "unknown failure"
	if err != nil {
		msg = err.Error()
	}
	c.fail(msg)
}

// Failf formats a message, reports it to the host and does not return.
func (c *Channel) Failf(format string, args ...any) {
	c.fail(fmt.Sprintf(format, args...))
}

func (c *Channel) fail(msg string) {
	c.mu.Lock()
	body := Truncate(msg)
	// body is at most MaxMessageLen, so Append cannot fail.
	buf, _ := frame.Append(make([]byte, 0, RegionSize), body)
	if !c.mem.Write(uint32(c.region), buf) {
		// The region is not writable; abort anyway with whatever it holds.
		body = nil
	}
	c.mu.Unlock()

	c.abort(c.region)
	panic(&Terminated{Message: string(body), Handle: c.region})
}

// Truncate returns the bytes of msg that fit in the error frame.
func Truncate(msg string) []byte {
	if len(msg) > MaxMessageLen {
		msg = msg[:MaxMessageLen]
	}
	return []byte(msg)
}

// ErrAlreadyInstalled is returned by a second Install.
var ErrAlreadyInstalled = errors.New("escape: failure handler already installed")

var (
	installMu sync.Mutex
	installed *Channel
)

// Install makes c the process-wide failure handler. It succeeds once.
func Install(c *Channel) error {
	installMu.Lock()
	defer installMu.Unlock()
	if installed != nil {
		return ErrAlreadyInstalled
	}
	installed = c
	return nil
}

// Installed returns the process-wide handler, or nil before Install.
func Installed() *Channel {
	installMu.Lock()
	defer installMu.Unlock()
	return installed
}

// Recover routes a panic in an exported entry point to the installed channel.
// Use it as `defer escape.Recover()`. A *Terminated panic and panics raised
// before Install propagate unchanged.
func Recover() {
	r := recover()
	if r == nil {
		return
	}
	if _, ok := r.(*Terminated); ok {
		panic(r)
	}
	ch := Installed()
	if ch == nil {
		panic(r)
	}
	if err, ok := r.(error); ok {
		ch.Fail(err)
	}
	ch.Failf("%v", r)
}
