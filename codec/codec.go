// Package codec turns typed messages into Framed Buffers and back.
//
// A Schema is the serialization collaborator: it maps a message to payload
// bytes. Framing and ownership are handled here on top of memory.Manager, so
// every schema produces the same wire envelope.
package codec

import (
	"errors"
	"fmt"
	"sort"

	abierr "github.com/reglet-dev/framecall/errors"
	"github.com/reglet-dev/framecall/frame"
	"github.com/reglet-dev/framecall/memory"
)

// Schema serializes message values to payload bytes.
type Schema interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var schemas = map[string]Schema{
	ProtoName: Proto{},
	CBORName:  CBOR{},
	JSONName:  JSON{},
}

// ErrUnknownSchema is returned by Lookup for unregistered names.
var ErrUnknownSchema = errors.New("unknown schema")

// Lookup resolves a schema by name.
func Lookup(name string) (Schema, error) {
	s, ok := schemas[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownSchema, name, Names())
	}
	return s, nil
}

// Names lists the registered schema names in sorted order.
func Names() []string {
	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode serializes msg and writes it into a freshly allocated Framed Buffer.
// The caller owns the result.
func Encode(m *memory.Manager, s Schema, msg any) (*memory.Owned, error) {
	payload, err := s.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	return m.WriteFrame(payload)
}

// Decode reclaims o and deserializes its payload into a T. The buffer is
// freed whether or not decoding succeeds; o is consumed.
func Decode[T any](m *memory.Manager, s Schema, o *memory.Owned) (T, error) {
	var out T
	raw, err := m.Reclaim(o)
	if err != nil {
		return out, err
	}
	payload, err := frame.Split(raw)
	if err != nil {
		return out, &abierr.DecodeError{Schema: s.Name(), Type: fmt.Sprintf("%T", out), Payload: len(raw), Err: err}
	}
	if err := Unmarshal(s, payload, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Unmarshal decodes a bare payload, reporting failures as *errors.DecodeError.
func Unmarshal(s Schema, payload []byte, v any) error {
	if err := s.Unmarshal(payload, v); err != nil {
		var schemaErr *abierr.SchemaError
		if errors.As(err, &schemaErr) {
			return err
		}
		return &abierr.DecodeError{
			Schema:  s.Name(),
			Type:    fmt.Sprintf("%T", v),
			Payload: len(payload),
			Err:     err,
		}
	}
	return nil
}
