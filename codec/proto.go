package codec

import (
	"fmt"

	abierr "github.com/reglet-dev/framecall/errors"
)

// ProtoName is the configuration name of the protobuf wire schema.
const ProtoName = "proto"

// WireMessage is implemented by messages with a protobuf wire encoding.
type WireMessage interface {
	MarshalWire() ([]byte, error)
	UnmarshalWire(b []byte) error
}

// Proto encodes WireMessage values in protobuf wire format. It is the
// boundary's default schema.
type Proto struct{}

func (Proto) Name() string { return ProtoName }

func (Proto) Marshal(v any) ([]byte, error) {
	m, ok := v.(WireMessage)
	if !ok {
		return nil, &abierr.SchemaError{Schema: ProtoName, Type: fmt.Sprintf("%T", v), Err: fmt.Errorf("does not implement WireMessage")}
	}
	return m.MarshalWire()
}

func (Proto) Unmarshal(data []byte, v any) error {
	m, ok := v.(WireMessage)
	if !ok {
		return &abierr.SchemaError{Schema: ProtoName, Type: fmt.Sprintf("%T", v), Err: fmt.Errorf("does not implement WireMessage")}
	}
	return m.UnmarshalWire(data)
}
