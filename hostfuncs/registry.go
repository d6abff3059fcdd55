package hostfuncs

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/reglet-dev/framecall/codec"
	abierr "github.com/reglet-dev/framecall/errors"
)

// ErrNotFound is returned when invoking an unregistered host function.
var ErrNotFound = errors.New("unknown host function")

// HandlerRegistry is an immutable collection of named host functions.
// Once created via NewRegistry, handlers cannot be added or removed, so
// lookups during execution need no locking.
type HandlerRegistry struct {
	handlers map[string]ByteHandler
	names    []string // sorted for consistent iteration
}

// registryBuilder accumulates configuration during registry construction.
type registryBuilder struct {
	handlers   map[string]ByteHandler
	middleware []Middleware
	errors     []error
}

// RegistryOption is a functional option for configuring a HandlerRegistry.
type RegistryOption func(*registryBuilder)

// NewRegistry creates an immutable HandlerRegistry with the given options.
// Returns an error if any handler name is registered twice.
//
// Example usage:
//
//	registry, err := NewRegistry(
//	    WithMiddleware(PanicRecoveryMiddleware(), LoggingMiddleware(logger)),
//	    WithBundle(HelloBundle(codec.Proto{})),
//	)
func NewRegistry(opts ...RegistryOption) (*HandlerRegistry, error) {
	b := &registryBuilder{handlers: make(map[string]ByteHandler)}
	for _, opt := range opts {
		opt(b)
	}
	if len(b.errors) > 0 {
		return nil, errors.Join(b.errors...)
	}

	names := make([]string, 0, len(b.handlers))
	for name := range b.handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	// First middleware wraps outermost.
	wrapped := make(map[string]ByteHandler, len(b.handlers))
	for name, handler := range b.handlers {
		h := handler
		for i := len(b.middleware) - 1; i >= 0; i-- {
			h = b.middleware[i](h)
		}
		wrapped[name] = h
	}

	return &HandlerRegistry{handlers: wrapped, names: names}, nil
}

// Invoke dispatches a host function call by name. Failures are reported as
// *errors.HostCapabilityError.
func (r *HandlerRegistry) Invoke(ctx context.Context, name string, payload []byte) ([]byte, error) {
	handler, ok := r.handlers[name]
	if !ok {
		return nil, &abierr.HostCapabilityError{Function: name, Err: ErrNotFound}
	}
	resp, err := handler(WithFunctionName(ctx, name), payload)
	if err != nil {
		var capErr *abierr.HostCapabilityError
		if errors.As(err, &capErr) {
			return nil, err
		}
		return nil, &abierr.HostCapabilityError{Function: name, Err: err}
	}
	return resp, nil
}

// Has returns true if a handler with the given name is registered.
func (r *HandlerRegistry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Names returns a sorted list of all registered handler names.
func (r *HandlerRegistry) Names() []string {
	result := make([]string, len(r.names))
	copy(result, r.names)
	return result
}

func (b *registryBuilder) addHandler(name string, handler ByteHandler) {
	switch {
	case name == "":
		b.errors = append(b.errors, fmt.Errorf("handler name cannot be empty"))
	case handler == nil:
		b.errors = append(b.errors, fmt.Errorf("handler %q is nil", name))
	default:
		if _, exists := b.handlers[name]; exists {
			b.errors = append(b.errors, fmt.Errorf("duplicate handler name: %q", name))
			return
		}
		b.handlers[name] = handler
	}
}

// WithByteHandler registers a raw ByteHandler with the given name.
func WithByteHandler(name string, handler ByteHandler) RegistryOption {
	return func(b *registryBuilder) {
		b.addHandler(name, handler)
	}
}

// WithHandler registers a typed host function that decodes and encodes its
// messages with schema.
func WithHandler[Req any, Resp any](name string, schema codec.Schema, fn HostFunc[Req, Resp]) RegistryOption {
	return func(b *registryBuilder) {
		b.addHandler(name, NewTypedHandler(schema, fn))
	}
}

// WithMiddleware adds middleware to the registry.
// Middleware executes in FIFO order (first added wraps first).
func WithMiddleware(mw ...Middleware) RegistryOption {
	return func(b *registryBuilder) {
		b.middleware = append(b.middleware, mw...)
	}
}
