package host

import (
	"context"
	"fmt"
	"strings"

	"github.com/reglet-dev/framecall/abipb"
	"github.com/reglet-dev/framecall/codec"
	abierr "github.com/reglet-dev/framecall/errors"
	"github.com/reglet-dev/framecall/escape"
	"github.com/reglet-dev/framecall/frame"
	"github.com/reglet-dev/framecall/memory"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

var (
	handleIn  = []api.ValueType{api.ValueTypeI32}
	handleOut = []api.ValueType{api.ValueTypeI32}
)

// registerHostModule exports every registry handler as (i32) -> i32 plus
// abort and log_message as (i32) -> ().
func (e *Executor) registerHostModule(ctx context.Context) error {
	builder := e.runtime.NewHostModuleBuilder(e.cfg.moduleName)

	for _, name := range e.cfg.registry.Names() {
		funcName := name // capture for closure
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				stack[0] = uint64(e.handleCapability(ctx, mod, funcName, memory.Handle(uint32(stack[0]))))
			}), handleIn, handleOut).
			WithParameterNames("request").
			Export(funcName)
	}

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			e.handleAbort(ctx, mod, memory.Handle(uint32(stack[0])))
		}), handleIn, nil).
		WithParameterNames("message").
		Export(ImportAbort)

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			e.handleLog(ctx, mod, memory.Handle(uint32(stack[0])))
		}), handleIn, nil).
		WithParameterNames("record").
		Export(ImportLogMessage)

	_, err := builder.Instantiate(ctx)
	return err
}

// newManager binds a memory manager to the calling guest for one call.
func (e *Executor) newManager(ctx context.Context, mod api.Module) (*memory.Manager, error) {
	alloc, dealloc := mod.ExportedFunction(ExportAlloc), mod.ExportedFunction(ExportDealloc)
	if alloc == nil || dealloc == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrMissingExport, ExportAlloc, ExportDealloc)
	}
	mem := mod.Memory()
	if mem == nil {
		return nil, fmt.Errorf("guest exports no memory")
	}
	return memory.NewManager(mem,
		&guestAllocator{ctx: ctx, alloc: alloc, dealloc: dealloc},
		memory.WithMaxFrame(e.cfg.maxFrameSize),
	), nil
}

// handleCapability takes the request frame at h, runs the named handler and
// returns a new response frame owned by the guest.
func (e *Executor) handleCapability(ctx context.Context, mod api.Module, name string, h memory.Handle) memory.Handle {
	mgr, err := e.newManager(ctx, mod)
	if err != nil {
		e.fail(ctx, mod, &abierr.HostCapabilityError{Function: name, Err: err}, HostFailureExitCode)
	}
	raw, err := mgr.Reclaim(memory.Adopt(h))
	if err != nil {
		e.fail(ctx, mod, &abierr.HostCapabilityError{Function: name, Err: err}, HostFailureExitCode)
	}
	payload, err := frame.Split(raw)
	if err != nil {
		e.fail(ctx, mod, &abierr.HostCapabilityError{Function: name, Err: err}, HostFailureExitCode)
	}

	resp, err := e.cfg.registry.Invoke(ctx, name, payload)
	if err != nil {
		e.fail(ctx, mod, err, HostFailureExitCode)
	}

	o, err := mgr.WriteFrame(resp)
	if err != nil {
		e.fail(ctx, mod, &abierr.HostCapabilityError{Function: name, Err: err}, HostFailureExitCode)
	}
	out, err := o.Release()
	if err != nil {
		e.fail(ctx, mod, &abierr.HostCapabilityError{Function: name, Err: err}, HostFailureExitCode)
	}
	return out
}

// handleAbort records the guest's error message and ends the instance. The
// frame at h is static guest data and is not freed.
func (e *Executor) handleAbort(ctx context.Context, mod api.Module, h memory.Handle) {
	err := &abierr.AbortError{
		Message:  readAbortMessage(mod.Memory(), h),
		Module:   mod.Name(),
		ExitCode: AbortExitCode,
	}
	e.fail(ctx, mod, err, AbortExitCode)
}

func readAbortMessage(mem api.Memory, h memory.Handle) string {
	if mem == nil {
		return "<no memory>"
	}
	prefix, ok := mem.Read(uint32(h), frame.PrefixSize)
	if !ok {
		return fmt.Sprintf("<abort frame at %s out of bounds>", h)
	}
	n, err := frame.PayloadLen(prefix)
	if err != nil {
		return fmt.Sprintf("<abort frame at %s: %v>", h, err)
	}
	if n > escape.MaxMessageLen {
		n = escape.MaxMessageLen
	}
	body, ok := mem.Read(uint32(h)+frame.PrefixSize, n)
	if !ok {
		return fmt.Sprintf("<abort frame at %s out of bounds>", h)
	}
	return strings.ToValidUTF8(string(body), "�")
}

// handleLog reclaims a LogRecord frame and writes it to the host logger. A
// bad record is reported but does not end the instance.
func (e *Executor) handleLog(ctx context.Context, mod api.Module, h memory.Handle) {
	mgr, err := e.newManager(ctx, mod)
	if err != nil {
		e.logger.Warn("guest log dropped", zap.Error(err))
		return
	}
	rec, err := codec.Decode[abipb.LogRecord](mgr, e.cfg.schema, memory.Adopt(h))
	if err != nil {
		e.logger.Warn("guest log dropped", zap.Stringer("handle", h), zap.Error(err))
		return
	}

	fields := make([]zap.Field, 0, len(rec.Attrs)+1)
	fields = append(fields, zap.String("source", "guest"))
	for _, a := range rec.Attrs {
		fields = append(fields, zap.String(a.Key, a.Value))
	}
	switch rec.Level {
	case "DEBUG":
		e.logger.Debug(rec.Message, fields...)
	case "WARN":
		e.logger.Warn(rec.Message, fields...)
	case "ERROR":
		e.logger.Error(rec.Message, fields...)
	default:
		e.logger.Info(rec.Message, fields...)
	}
}

// fail records err on the running instance, closes the guest and unwinds the
// guest stack. It does not return.
func (e *Executor) fail(ctx context.Context, mod api.Module, err error, exitCode uint32) {
	if inst := instanceFrom(ctx); inst != nil {
		inst.recordFailure(err)
	}
	e.logger.Error("guest call failed", zap.Uint32("exit_code", exitCode), zap.Error(err))
	_ = mod.CloseWithExitCode(ctx, exitCode)
	panic(sys.NewExitError(exitCode))
}
