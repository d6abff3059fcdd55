//go:build wasip1

package guest

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/reglet-dev/framecall/escape"
	framelog "github.com/reglet-dev/framecall/log"
	"github.com/reglet-dev/framecall/memory"
)

//go:wasmimport env host_hello
//nolint:revive // intentional snake_case to match WASM import convention
func host_hello(ptr uint32) uint32

//go:wasmimport env abort
//nolint:revive // intentional snake_case to match WASM import convention
func host_abort(ptr uint32)

//go:wasmimport env log_message
//nolint:revive // intentional snake_case to match WASM import convention
func host_log_message(ptr uint32)

// errorFrame is the static region behind the escape channel.
var errorFrame [escape.RegionSize]byte

var instance *Guest

func init() {
	mgr := memory.NewManager(memory.NativeMemory{}, memory.NewPinnedAllocator(memory.MaxTotalAllocations))
	logger := slog.New(framelog.NewHandler(mgr, func(_ context.Context, h memory.Handle) {
		host_log_message(uint32(h))
	}))
	slog.SetDefault(logger)

	instance = New(mgr, memory.AddressOf(errorFrame[:]), abortHost,
		WithHostHello(callHostHello),
		WithInstaller(escape.Install),
		WithFatal(exitFatal),
		WithLogger(logger),
	)
}

// Default returns the process-wide guest bound to the module's own memory.
func Default() *Guest {
	return instance
}

// SetHandler replaces the handler behind guest_func. Call it from main.
func SetHandler(opt Option) {
	opt(instance)
}

func abortHost(h memory.Handle) {
	host_abort(uint32(h))
}

func callHostHello(_ context.Context, h memory.Handle) (memory.Handle, error) {
	return memory.Handle(host_hello(uint32(h))), nil
}

func exitFatal(err error) {
	fmt.Fprintf(os.Stderr, "guest: fatal: %v\n", err)
	os.Exit(FatalExitCode)
}

//go:wasmexport __alloc
func wasmAlloc(size uint32) uint32 {
	defer escape.Recover()
	return uint32(instance.Alloc(size))
}

//go:wasmexport __dealloc
func wasmDealloc(ptr uint32) {
	defer escape.Recover()
	instance.Dealloc(memory.Handle(ptr))
}

//go:wasmexport guest_func
func wasmGuestFunc(ptr uint32) uint32 {
	defer escape.Recover()
	return uint32(instance.GuestFunc(context.Background(), memory.Handle(ptr)))
}

// A second _start keeps the first channel.
//
//go:wasmexport _start
func wasmStart() {
	_ = instance.Start()
}

//go:wasmexport call_host
func wasmCallHost() {
	defer escape.Recover()
	instance.CallHost(context.Background(), Greeting)
}
