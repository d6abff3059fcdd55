package hostfuncs

import (
	"context"

	"github.com/reglet-dev/framecall/abipb"
	"github.com/reglet-dev/framecall/codec"
)

// DefaultMaxRequestSize limits the size of payloads exchanged with a guest
// (1MB). This keeps a guest from making the host allocate huge buffers.
const DefaultMaxRequestSize = 1 * 1024 * 1024

// HostHello is the import name of the greeting capability.
const HostHello = "host_hello"

// HostFuncBundle is a pre-configured set of related host functions.
type HostFuncBundle interface {
	// Handlers returns a map of handler names to ByteHandler functions.
	Handlers() map[string]ByteHandler
}

type staticBundle struct {
	handlers map[string]ByteHandler
}

func (b *staticBundle) Handlers() map[string]ByteHandler {
	return b.handlers
}

// Hello answers a greeting from the guest.
func Hello(_ context.Context, req abipb.Request) (abipb.Response, error) {
	return abipb.Response{Reply: "Hello from host! You said: " + req.Message}, nil
}

// HelloBundle returns a bundle with host_hello.
func HelloBundle(schema codec.Schema) HostFuncBundle {
	return &staticBundle{
		handlers: map[string]ByteHandler{
			HostHello: NewTypedHandler(schema, Hello),
		},
	}
}

type compositeBundle struct {
	bundles []HostFuncBundle
}

func (b *compositeBundle) Handlers() map[string]ByteHandler {
	result := make(map[string]ByteHandler)
	for _, bundle := range b.bundles {
		for name, handler := range bundle.Handlers() {
			result[name] = handler
		}
	}
	return result
}

// Combine merges bundles; later bundles win on name clashes.
func Combine(bundles ...HostFuncBundle) HostFuncBundle {
	return &compositeBundle{bundles: bundles}
}

// WithBundle registers all handlers from a bundle.
func WithBundle(bundle HostFuncBundle) RegistryOption {
	return func(b *registryBuilder) {
		for name, handler := range bundle.Handlers() {
			b.addHandler(name, handler)
		}
	}
}
