package host

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reglet-dev/framecall/abipb"
	"github.com/reglet-dev/framecall/codec"
	abierr "github.com/reglet-dev/framecall/errors"
	"github.com/reglet-dev/framecall/hostfuncs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewExecutor(t *testing.T) {
	ctx := context.Background()
	e, err := NewExecutor(ctx)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.NoError(t, e.Close(ctx))
}

func TestNewExecutor_ReservedName(t *testing.T) {
	reg, err := hostfuncs.NewRegistry(hostfuncs.WithByteHandler(ImportAbort, func(context.Context, []byte) ([]byte, error) {
		return nil, nil
	}))
	require.NoError(t, err)

	_, err = NewExecutor(context.Background(), WithHostFunctions(reg))
	assert.ErrorIs(t, err, ErrReservedName)
}

func TestLoad_MissingExports(t *testing.T) {
	ctx := context.Background()
	e, err := NewExecutor(ctx)
	require.NoError(t, err)
	defer e.Close(ctx)

	_, err = e.Load(ctx, memoryOnlyGuest())
	require.ErrorIs(t, err, ErrMissingExport)
	assert.Contains(t, err.Error(), ExportAlloc)

	_, err = e.Load(ctx, []byte("not wasm"))
	assert.ErrorContains(t, err, "failed to compile module")
}

// InstanceSuite drives the assembled test guest through the wazero host.
type InstanceSuite struct {
	suite.Suite

	ctx  context.Context
	logs *observer.ObservedLogs
	exec *Executor
	inst *Instance
}

func (s *InstanceSuite) SetupTest() {
	s.ctx = context.Background()
	s.load()
}

func (s *InstanceSuite) TearDownTest() {
	s.NoError(s.exec.Close(s.ctx))
}

func (s *InstanceSuite) load(opts ...Option) {
	if s.exec != nil {
		_ = s.exec.Close(s.ctx)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	s.logs = logs

	var err error
	s.exec, err = NewExecutor(s.ctx, append([]Option{WithLogger(zap.New(core))}, opts...)...)
	s.Require().NoError(err)
	s.inst, err = s.exec.Load(s.ctx, testGuest())
	s.Require().NoError(err)
}

func (s *InstanceSuite) counter(name string) uint64 {
	g := s.inst.module.ExportedGlobal(name)
	s.Require().NotNil(g)
	return g.Get()
}

func (s *InstanceSuite) TestCall_RoundTrip() {
	resp, err := s.inst.Call(s.ctx, abipb.Request{Message: "ping"})
	s.Require().NoError(err)
	s.Equal("Hello from host! You said: ping", resp.Reply)

	// Request and response were both allocated by the guest and both
	// handed back to it exactly once.
	s.Equal(uint64(2), s.counter("allocs"))
	s.Equal(uint64(2), s.counter("frees"))

	entries := s.logs.FilterMessage("host function completed").All()
	s.Require().Len(entries, 1)
	s.Equal(hostfuncs.HostHello, entries[0].ContextMap()["function"])
}

func (s *InstanceSuite) TestCall_Repeated() {
	for i := 0; i < 5; i++ {
		resp, err := s.inst.Call(s.ctx, abipb.Request{Message: "again"})
		s.Require().NoError(err)
		s.Equal("Hello from host! You said: again", resp.Reply)
	}
	s.Equal(s.counter("allocs"), s.counter("frees"))
}

func (s *InstanceSuite) TestCallHost_LogsThroughHost() {
	s.Require().NoError(s.inst.CallHost(s.ctx))

	// host_hello freed the static request; log_message freed the record.
	s.Equal(uint64(2), s.counter("frees"))
	s.Equal(uint64(1), s.counter("allocs"))

	entries := s.logs.FilterMessage("Received from host").All()
	s.Require().Len(entries, 1)
	s.Equal(zapcore.InfoLevel, entries[0].Level)
	s.Equal("test-guest", entries[0].ContextMap()["component"])
	s.Equal("guest", entries[0].ContextMap()["source"])
}

func (s *InstanceSuite) TestAbort() {
	_, err := s.inst.CallExport(s.ctx, "fail")
	s.Require().Error(err)

	var abortErr *abierr.AbortError
	s.Require().True(errors.As(err, &abortErr), "got %v", err)
	s.Equal(testAbortMessage, abortErr.Message)
	s.Equal(AbortExitCode, abortErr.ExitCode)
	s.ErrorIs(err, abierr.ErrAborted)
	s.Same(abortErr, s.inst.Err())

	_, err = s.inst.Call(s.ctx, abipb.Request{Message: "after"})
	s.ErrorIs(err, ErrInstanceAborted)
	s.ErrorIs(err, abierr.ErrAborted)
}

func (s *InstanceSuite) TestHostCapabilityFailure() {
	reg, err := hostfuncs.NewRegistry(
		hostfuncs.WithMiddleware(hostfuncs.PanicRecoveryMiddleware()),
		hostfuncs.WithHandler(hostfuncs.HostHello, codec.Proto{}, func(context.Context, abipb.Request) (abipb.Response, error) {
			panic("capability exploded")
		}),
	)
	s.Require().NoError(err)
	s.load(WithHostFunctions(reg))

	_, err = s.inst.Call(s.ctx, abipb.Request{Message: "ping"})
	s.Require().Error(err)
	s.ErrorIs(err, abierr.ErrHostCapability)
	s.Contains(err.Error(), "capability exploded")

	_, err = s.inst.Call(s.ctx, abipb.Request{Message: "ping"})
	s.ErrorIs(err, ErrInstanceAborted)
}

func (s *InstanceSuite) TestMaxFrameSize() {
	s.load(WithMaxFrameSize(8))

	_, err := s.inst.Call(s.ctx, abipb.Request{Message: "ping"})
	s.Require().Error(err)
	s.ErrorIs(err, abierr.ErrProtocolViolation)
	s.Contains(err.Error(), "exceeds limit 8")

	// The refused response went back to the guest allocator.
	s.Equal(uint64(2), s.counter("allocs"))
	s.Equal(uint64(2), s.counter("frees"))

	s.Require().Error(s.inst.Err())
	s.ErrorIs(s.inst.Err(), abierr.ErrProtocolViolation)

	_, err = s.inst.Call(s.ctx, abipb.Request{Message: "ping"})
	s.ErrorIs(err, ErrInstanceAborted)
	s.ErrorIs(err, abierr.ErrProtocolViolation)
	s.Equal(uint64(2), s.counter("allocs"), "a refused call allocates nothing")
}

func (s *InstanceSuite) TestCallTimeout() {
	s.load(WithCallTimeout(50 * time.Millisecond))

	_, err := s.inst.CallExport(s.ctx, "spin")
	s.Require().Error(err)
	s.ErrorIs(err, context.DeadlineExceeded)

	_, err = s.inst.Call(s.ctx, abipb.Request{Message: "ping"})
	s.ErrorIs(err, ErrInstanceClosed)
}

func (s *InstanceSuite) TestSchemas() {
	for _, name := range []string{codec.CBORName, codec.JSONName} {
		schema, err := codec.Lookup(name)
		s.Require().NoError(err)
		s.load(WithSchema(schema))

		resp, err := s.inst.Call(s.ctx, abipb.Request{Message: name})
		s.Require().NoError(err, name)
		s.Equal("Hello from host! You said: "+name, resp.Reply)
	}
}

func (s *InstanceSuite) TestClose() {
	s.Require().NoError(s.inst.Close(s.ctx))
	_, err := s.inst.Call(s.ctx, abipb.Request{})
	s.ErrorIs(err, ErrInstanceClosed)
}

func (s *InstanceSuite) TestMissingExport() {
	_, err := s.inst.CallExport(s.ctx, "nope")
	s.ErrorIs(err, ErrMissingExport)
}

func TestInstanceSuite(t *testing.T) {
	suite.Run(t, new(InstanceSuite))
}

func TestReadAbortMessage_Truncates(t *testing.T) {
	ctx := context.Background()
	e, err := NewExecutor(ctx)
	require.NoError(t, err)
	defer e.Close(ctx)

	inst, err := e.Load(ctx, testGuest())
	require.NoError(t, err)

	mem := inst.Memory()
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	require.True(t, mem.Write(1024, mustFrame(long)))
	assert.Len(t, readAbortMessage(mem, 1024), 1020)

	assert.Contains(t, readAbortMessage(mem, 1<<20), "out of bounds")
}

func TestLogger_Default(t *testing.T) {
	assert.NotNil(t, Logger())
}
