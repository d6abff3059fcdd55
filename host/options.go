package host

import (
	"io"
	"time"

	"github.com/reglet-dev/framecall/codec"
	"github.com/reglet-dev/framecall/hostfuncs"
	"go.uber.org/zap"
)

// DefaultModuleName is the import module guests link their host capabilities
// against.
const DefaultModuleName = "env"

// Option defines a functional option for configuring the Executor.
type Option func(*config)

type config struct {
	registry     *hostfuncs.HandlerRegistry
	moduleName   string
	schema       codec.Schema
	maxFrameSize uint32
	callTimeout  time.Duration
	logger       *zap.Logger
	stdout       io.Writer
	stderr       io.Writer
}

func defaultConfig() config {
	return config{
		moduleName:   DefaultModuleName,
		schema:       codec.Proto{},
		maxFrameSize: hostfuncs.DefaultMaxRequestSize,
	}
}

// WithHostFunctions configures the executor with a host function registry.
// Without it, the executor provides HelloBundle for its schema.
func WithHostFunctions(registry *hostfuncs.HandlerRegistry) Option {
	return func(c *config) {
		c.registry = registry
	}
}

// WithModuleName sets the host module name (default: "env").
func WithModuleName(name string) Option {
	return func(c *config) {
		c.moduleName = name
	}
}

// WithSchema selects the payload schema shared with guests.
func WithSchema(s codec.Schema) Option {
	return func(c *config) {
		c.schema = s
	}
}

// WithMaxFrameSize caps the payload length the host accepts from a guest.
// Zero disables the cap.
func WithMaxFrameSize(n uint32) Option {
	return func(c *config) {
		c.maxFrameSize = n
	}
}

// WithCallTimeout bounds each call into a guest. A call that runs out of
// time closes its instance.
func WithCallTimeout(d time.Duration) Option {
	return func(c *config) {
		c.callTimeout = d
	}
}

// WithLogger overrides the package logger for one executor.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithStdout connects guest stdout to w. Guest output is discarded by default.
func WithStdout(w io.Writer) Option {
	return func(c *config) {
		c.stdout = w
	}
}

// WithStderr connects guest stderr to w. Guest output is discarded by default;
// the start of it is kept either way, see Instance.Stderr.
func WithStderr(w io.Writer) Option {
	return func(c *config) {
		c.stderr = w
	}
}
