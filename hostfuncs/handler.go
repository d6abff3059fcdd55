package hostfuncs

import (
	"context"
	"fmt"

	"github.com/reglet-dev/framecall/codec"
)

// HostFunc is a typed host capability.
type HostFunc[Req any, Resp any] func(context.Context, Req) (Resp, error)

// ByteHandler accepts a request payload and returns a response payload.
// This is the form the host binds to WebAssembly imports.
type ByteHandler func(context.Context, []byte) ([]byte, error)

// NewTypedHandler wraps a HostFunc into a ByteHandler. Requests are decoded
// with schema and validated before fn runs.
//
// Usage:
//
//	hello := hostfuncs.NewTypedHandler(codec.Proto{}, func(ctx context.Context, req abipb.Request) (abipb.Response, error) {
//	    return abipb.Response{Reply: "hi"}, nil
//	})
func NewTypedHandler[Req any, Resp any](schema codec.Schema, fn HostFunc[Req, Resp]) ByteHandler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if err := codec.Unmarshal(schema, payload, &req); err != nil {
			return nil, err
		}
		if err := Validate(&req); err != nil {
			return nil, err
		}

		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}

		out, err := schema.Marshal(&resp)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal response: %w", err)
		}
		return out, nil
	}
}
