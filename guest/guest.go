// Package guest implements the guest side of the boundary: the exported entry
// points and the calls the guest makes into the host.
//
// Guest holds no WebAssembly specifics. The wasip1 build binds it to the
// module's own memory and to the env imports; tests bind it to a simulated
// memory.Heap.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/reglet-dev/framecall/abipb"
	"github.com/reglet-dev/framecall/codec"
	"github.com/reglet-dev/framecall/dispatch"
	abierr "github.com/reglet-dev/framecall/errors"
	"github.com/reglet-dev/framecall/escape"
	"github.com/reglet-dev/framecall/memory"
)

// FatalExitCode is the process exit code after an allocation failure.
const FatalExitCode = 70

// Greeting is the request call_host sends.
const Greeting = "Hello from guest!"

// ErrNoHostHello is reported when the host_hello capability is not bound.
var ErrNoHostHello = errors.New("host_hello capability not bound")

// Guest is one guest instance.
type Guest struct {
	mem     *memory.Manager
	disp    *dispatch.Dispatcher
	region  memory.Handle
	abort   escape.AbortFunc
	channel *escape.Channel

	handler   dispatch.Handler[abipb.Request, abipb.Response]
	hostHello dispatch.BoundaryFunc
	install   func(*escape.Channel) error
	fatal     func(error)
	logger    *slog.Logger
	schema    codec.Schema
}

// Option configures a Guest.
type Option func(*Guest)

// WithHandler replaces the guest_func handler. The default is Echo.
func WithHandler(h dispatch.Handler[abipb.Request, abipb.Response]) Option {
	return func(g *Guest) {
		g.handler = h
	}
}

// WithHostHello binds the host_hello capability.
func WithHostHello(f dispatch.BoundaryFunc) Option {
	return func(g *Guest) {
		g.hostHello = f
	}
}

// WithInstaller sets the function Start uses to publish the escape channel
// process-wide, such as escape.Install.
func WithInstaller(install func(*escape.Channel) error) Option {
	return func(g *Guest) {
		g.install = install
	}
}

// WithFatal sets the hook for allocation failure. It should not return; if
// it does, the guest panics with the original error.
func WithFatal(fatal func(error)) Option {
	return func(g *Guest) {
		g.fatal = fatal
	}
}

// WithLogger sets the guest logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guest) {
		g.logger = l
	}
}

// WithSchema selects the payload schema. The default is codec.Proto.
func WithSchema(s codec.Schema) Option {
	return func(g *Guest) {
		g.schema = s
	}
}

// New creates a guest over mem. region is the static error frame of
// escape.RegionSize bytes and abort is the host's abort import.
func New(mem *memory.Manager, region memory.Handle, abort escape.AbortFunc, opts ...Option) *Guest {
	g := &Guest{
		mem:     mem,
		region:  region,
		abort:   abort,
		handler: Echo,
		fatal:   func(err error) { panic(err) },
		logger:  slog.Default(),
		schema:  codec.Proto{},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.disp = dispatch.New(mem, g.schema)
	return g
}

// Echo is the default guest_func handler.
func Echo(_ context.Context, req abipb.Request) (abipb.Response, error) {
	return abipb.Response{Reply: "Echoing: " + req.Message}, nil
}

// Start installs the error escape channel. Only the first call has an
// effect; later calls return escape.ErrAlreadyInstalled.
func (g *Guest) Start() error {
	if g.channel != nil {
		return escape.ErrAlreadyInstalled
	}
	ch := escape.New(g.mem.Memory(), g.region, g.abort)
	if g.install != nil {
		if err := g.install(ch); err != nil {
			return err
		}
	}
	g.channel = ch
	return nil
}

// Channel returns the installed escape channel, or nil before Start.
func (g *Guest) Channel() *escape.Channel {
	return g.channel
}

// Manager returns the guest's memory manager.
func (g *Guest) Manager() *memory.Manager {
	return g.mem
}

// Alloc serves __alloc: a raw, unframed, zeroed allocation owned by the
// caller. Zero bytes yields the null handle.
func (g *Guest) Alloc(size uint32) memory.Handle {
	if size == 0 {
		return 0
	}
	o, err := g.mem.Allocate(size)
	if err != nil {
		g.fail(err)
	}
	h, err := o.Release()
	if err != nil {
		g.fail(err)
	}
	return h
}

// Dealloc serves __dealloc: it frees the Framed Buffer at h by reading its
// prefix. The null handle is ignored.
func (g *Guest) Dealloc(h memory.Handle) {
	if h == 0 {
		return
	}
	if _, err := g.mem.Reclaim(memory.Adopt(h)); err != nil {
		g.fail(err)
	}
}

// GuestFunc serves guest_func: it consumes the request frame at h and returns
// a new response frame owned by the host.
func (g *Guest) GuestFunc(ctx context.Context, h memory.Handle) memory.Handle {
	r, err := dispatch.Serve(ctx, g.disp, h, g.handler)
	if err != nil {
		g.fail(err)
	}
	return r
}

// CallHost sends message to the host's host_hello capability and returns the
// reply.
func (g *Guest) CallHost(ctx context.Context, message string) string {
	if g.hostHello == nil {
		g.fail(&abierr.HostCapabilityError{Function: "host_hello", Err: ErrNoHostHello})
	}
	resp, err := dispatch.Call[abipb.Request, abipb.Response](ctx, g.disp, g.hostHello, abipb.Request{Message: message})
	if err != nil {
		g.fail(err)
	}
	g.logger.InfoContext(ctx, "Received from host", "reply", resp.Reply)
	return resp.Reply
}

// fail ends the current invocation. Allocation failure is fatal to the
// process; everything else leaves through the escape channel.
func (g *Guest) fail(err error) {
	if errors.Is(err, abierr.ErrAllocation) {
		g.fatal(err)
		panic(err)
	}
	if g.channel == nil {
		panic(fmt.Errorf("guest not started: %w", err))
	}
	g.channel.Fail(err)
}
