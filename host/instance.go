package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/reglet-dev/framecall/abipb"
	"github.com/reglet-dev/framecall/dispatch"
	abierr "github.com/reglet-dev/framecall/errors"
	"github.com/reglet-dev/framecall/guest"
	"github.com/reglet-dev/framecall/memory"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

var (
	// ErrInstanceAborted is returned by calls on an instance whose guest
	// aborted or whose host capability failed.
	ErrInstanceAborted = errors.New("guest instance aborted")
	// ErrInstanceClosed is returned by calls on a closed instance.
	ErrInstanceClosed = errors.New("guest instance closed")
)

type instanceKey struct{}

func withInstance(ctx context.Context, inst *Instance) context.Context {
	return context.WithValue(ctx, instanceKey{}, inst)
}

func instanceFrom(ctx context.Context) *Instance {
	inst, _ := ctx.Value(instanceKey{}).(*Instance)
	return inst
}

// Instance is one instantiated guest. Calls are serialized.
type Instance struct {
	exec   *Executor
	module api.Module
	stderr *boundedBuffer

	mu      sync.Mutex // serializes calls
	stateMu sync.Mutex
	failure error
	closed  bool
}

// Err returns the failure that ended the instance, if any.
func (i *Instance) Err() error {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()
	return i.failure
}

func (i *Instance) recordFailure(err error) {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()
	if i.failure == nil {
		i.failure = err
	}
}

func (i *Instance) markClosed() {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()
	i.closed = true
}

func (i *Instance) usable() error {
	i.stateMu.Lock()
	defer i.stateMu.Unlock()
	if i.failure != nil {
		return fmt.Errorf("%w: %w", ErrInstanceAborted, i.failure)
	}
	if i.closed {
		return ErrInstanceClosed
	}
	return nil
}

// Call sends req to the guest's guest_func and returns its response.
func (i *Instance) Call(ctx context.Context, req abipb.Request) (abipb.Response, error) {
	var resp abipb.Response
	err := i.run(ctx, func(ctx context.Context) error {
		mgr, err := i.exec.newManager(ctx, i.module)
		if err != nil {
			return err
		}
		d := dispatch.New(mgr, i.exec.cfg.schema)
		resp, err = dispatch.Call[abipb.Request, abipb.Response](ctx, d, i.boundary(ExportGuestFunc), req)
		return err
	})
	return resp, err
}

// CallHost runs the guest's call_host export, which calls back into the
// host's host_hello capability.
func (i *Instance) CallHost(ctx context.Context) error {
	_, err := i.CallExport(ctx, ExportCallHost)
	return err
}

// CallExport invokes any guest export with raw parameters.
func (i *Instance) CallExport(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	var results []uint64
	err := i.run(ctx, func(ctx context.Context) error {
		f := i.module.ExportedFunction(name)
		if f == nil {
			return fmt.Errorf("%w: %s", ErrMissingExport, name)
		}
		var err error
		results, err = f.Call(ctx, params...)
		return err
	})
	return results, err
}

// Stderr returns the start of what the guest wrote to stderr.
func (i *Instance) Stderr() string {
	return i.stderr.String()
}

// Memory returns the guest's linear memory.
func (i *Instance) Memory() api.Memory {
	return i.module.Memory()
}

// Close closes the guest module.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.markClosed()
	return i.module.Close(ctx)
}

func (i *Instance) boundary(export string) dispatch.BoundaryFunc {
	return func(ctx context.Context, h memory.Handle) (memory.Handle, error) {
		f := i.module.ExportedFunction(export)
		if f == nil {
			return 0, fmt.Errorf("%w: %s", ErrMissingExport, export)
		}
		results, err := f.Call(ctx, uint64(h))
		if err != nil {
			return 0, err
		}
		if len(results) == 0 {
			return 0, fmt.Errorf("%s returned no result", export)
		}
		return memory.Handle(uint32(results[0])), nil //nolint:gosec // G115: WASM32 pointers are always 32-bit
	}
}

func (i *Instance) run(ctx context.Context, fn func(context.Context) error) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.usable(); err != nil {
		return err
	}
	if d := i.exec.cfg.callTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	err := fn(withInstance(ctx, i))
	if err == nil {
		return nil
	}
	return i.translate(ctx, err)
}

// translate maps a failed guest call onto the error that caused it.
func (i *Instance) translate(ctx context.Context, err error) error {
	if failure := i.Err(); failure != nil {
		return failure
	}

	// A frame the host refused leaves the guest in an unknown state, as a
	// failing host capability does.
	if errors.Is(err, abierr.ErrProtocolViolation) {
		i.recordFailure(err)
		i.markClosed()
		if i.module != nil {
			_ = i.module.CloseWithExitCode(ctx, HostFailureExitCode)
		}
		i.exec.logger.Error("guest call failed", zap.Uint32("exit_code", HostFailureExitCode), zap.Error(err))
		return err
	}

	var exitErr *sys.ExitError
	if !errors.As(err, &exitErr) {
		return err
	}
	i.markClosed()
	switch exitErr.ExitCode() {
	case sys.ExitCodeDeadlineExceeded:
		return fmt.Errorf("guest call: %w", context.DeadlineExceeded)
	case sys.ExitCodeContextCanceled:
		return fmt.Errorf("guest call: %w", context.Canceled)
	case guest.FatalExitCode:
		cause := fmt.Errorf("guest exited with code %d", exitErr.ExitCode())
		if out := strings.TrimSpace(i.Stderr()); out != "" {
			cause = fmt.Errorf("%w: %s", cause, out)
		}
		err := &abierr.AllocationError{Err: cause}
		i.recordFailure(err)
		return err
	}
	return err
}
