package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/reglet-dev/framecall/hostfuncs"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// Export and import names of the boundary.
const (
	ExportAlloc     = "__alloc"
	ExportDealloc   = "__dealloc"
	ExportGuestFunc = "guest_func"
	ExportCallHost  = "call_host"

	ImportAbort      = "abort"
	ImportLogMessage = "log_message"
)

// Exit codes the host closes a guest with.
const (
	// AbortExitCode follows a guest abort.
	AbortExitCode uint32 = 134
	// HostFailureExitCode follows a failing host capability.
	HostFailureExitCode uint32 = 71
)

var (
	// ErrMissingExport is returned when a guest lacks a required export.
	ErrMissingExport = errors.New("guest is missing required export")
	// ErrReservedName is returned when a registry handler shadows abort or log_message.
	ErrReservedName = errors.New("host function name is reserved")
)

var requiredExports = []string{ExportAlloc, ExportDealloc, ExportGuestFunc}

// Executor owns a wazero runtime with the host module bound.
type Executor struct {
	runtime wazero.Runtime
	cfg     config
	logger  *zap.Logger
}

// NewExecutor creates a new executor with the given options.
func NewExecutor(ctx context.Context, opts ...Option) (*Executor, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Executor{cfg: cfg, logger: cfg.logger}
	if e.logger == nil {
		e.logger = Logger()
	}

	if e.cfg.registry == nil {
		reg, err := hostfuncs.NewRegistry(
			hostfuncs.WithMiddleware(
				hostfuncs.PanicRecoveryMiddleware(),
				hostfuncs.LoggingMiddleware(e.logger),
			),
			hostfuncs.WithBundle(hostfuncs.HelloBundle(cfg.schema)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create default registry: %w", err)
		}
		e.cfg.registry = reg
	}
	for _, name := range e.cfg.registry.Names() {
		if name == ImportAbort || name == ImportLogMessage {
			return nil, fmt.Errorf("%w: %q", ErrReservedName, name)
		}
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	e.runtime = rt

	if err := e.registerHostModule(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}

	e.logger.Debug("executor ready",
		zap.String("module", cfg.moduleName),
		zap.String("schema", cfg.schema.Name()),
		zap.Strings("host_functions", e.cfg.registry.Names()),
	)
	return e, nil
}

// Close releases the runtime and every instance loaded from it.
func (e *Executor) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Load compiles and instantiates a guest. The guest's _initialize and
// _start functions run, in that order, when present.
func (e *Executor) Load(ctx context.Context, wasm []byte) (*Instance, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}

	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize", "_start").
		WithSysWalltime().
		WithSysNanotime()
	if e.cfg.stdout != nil {
		modCfg = modCfg.WithStdout(e.cfg.stdout)
	}
	stderr := newBoundedBuffer(DefaultStderrCapture, e.cfg.stderr)
	modCfg = modCfg.WithStderr(stderr)

	inst := &Instance{exec: e, stderr: stderr}
	mod, err := e.runtime.InstantiateModule(withInstance(ctx, inst), compiled, modCfg)
	if err != nil {
		if failure := inst.Err(); failure != nil {
			return nil, failure
		}
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}

	for _, name := range requiredExports {
		if mod.ExportedFunction(name) == nil {
			_ = mod.Close(ctx)
			return nil, fmt.Errorf("%w: %s", ErrMissingExport, name)
		}
	}
	inst.module = mod

	e.logger.Debug("guest loaded", zap.Int("wasm_bytes", len(wasm)))
	return inst, nil
}
