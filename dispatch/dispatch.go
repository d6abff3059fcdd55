// Package dispatch implements the boundary call convention on top of codec.
//
// A call hands exactly one request buffer across and receives exactly one
// fresh response buffer back:
//
//	caller                          callee
//	Encode(req) -> h  ---- h ---->  Adopt(h), Decode, free h
//	                                run handler
//	Adopt(r), Decode, free r <- r - Encode(resp) -> r
//
// The caller never touches h after the hand-off, and the callee never
// touches r after returning it.
package dispatch

import (
	"context"
	"fmt"

	"github.com/reglet-dev/framecall/codec"
	"github.com/reglet-dev/framecall/memory"
)

// BoundaryFunc crosses the boundary with a request handle and returns the
// response handle. Ownership of the request moves to the callee as soon as
// the function is invoked, even if it returns an error.
type BoundaryFunc func(ctx context.Context, h memory.Handle) (memory.Handle, error)

// Handler processes one decoded request on the callee side.
type Handler[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Dispatcher binds a memory manager to a schema.
type Dispatcher struct {
	mem    *memory.Manager
	schema codec.Schema
}

// New creates a Dispatcher. A nil schema selects codec.Proto.
func New(mem *memory.Manager, schema codec.Schema) *Dispatcher {
	if schema == nil {
		schema = codec.Proto{}
	}
	return &Dispatcher{mem: mem, schema: schema}
}

// Manager returns the dispatcher's memory manager.
func (d *Dispatcher) Manager() *memory.Manager {
	return d.mem
}

// Schema returns the dispatcher's schema.
func (d *Dispatcher) Schema() codec.Schema {
	return d.schema
}

// Call encodes req, hands it to f and decodes the response f returns.
func Call[Req, Resp any](ctx context.Context, d *Dispatcher, f BoundaryFunc, req Req) (Resp, error) {
	var zero Resp

	o, err := codec.Encode(d.mem, d.schema, &req)
	if err != nil {
		return zero, err
	}
	h, err := o.Release()
	if err != nil {
		return zero, err
	}

	r, err := f(ctx, h)
	if err != nil {
		return zero, fmt.Errorf("boundary call: %w", err)
	}
	return codec.Decode[Resp](d.mem, d.schema, memory.Adopt(r))
}

// Serve takes ownership of the request at h, decodes and frees it, runs fn
// and returns a new response buffer whose ownership passes to the caller.
// The request buffer is freed even when decoding fails.
func Serve[Req, Resp any](ctx context.Context, d *Dispatcher, h memory.Handle, fn Handler[Req, Resp]) (memory.Handle, error) {
	req, err := codec.Decode[Req](d.mem, d.schema, memory.Adopt(h))
	if err != nil {
		return 0, err
	}
	resp, err := fn(ctx, req)
	if err != nil {
		return 0, err
	}
	o, err := codec.Encode(d.mem, d.schema, &resp)
	if err != nil {
		return 0, err
	}
	return o.Release()
}
