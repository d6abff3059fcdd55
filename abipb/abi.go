// Package abipb defines the message kinds exchanged across the boundary.
//
// The proto wire encoding matches what protoc would produce for:
//
//	syntax = "proto3";
//	package abi;
//	message Request  { string message = 1; }
//	message Response { string reply = 1; }
//	message LogRecord {
//	  string level = 1;
//	  string message = 2;
//	  repeated Attr attrs = 3;
//	  int64 time_unix_nano = 4;
//	}
//	message Attr { string key = 1; string value = 2; }
//
// The JSON field names are also honoured by the CBOR schema.
package abipb

import (
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Request is sent to a boundary function.
type Request struct {
	Message string `json:"message" validate:"max=65536"`
}

// Response is returned by a boundary function.
type Response struct {
	Reply string `json:"reply" validate:"max=65536"`
}

// LogRecord carries one guest log line to the host.
type LogRecord struct {
	Level        string `json:"level" validate:"required,oneof=DEBUG INFO WARN ERROR"`
	Message      string `json:"message"`
	Attrs        []Attr `json:"attrs,omitempty" validate:"dive"`
	TimeUnixNano int64  `json:"time_unix_nano,omitempty"`
}

// Attr is a flattened slog attribute.
type Attr struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

// MarshalWire encodes the request in proto wire format.
func (m *Request) MarshalWire() ([]byte, error) {
	return appendString(nil, 1, m.Message), nil
}

// UnmarshalWire decodes a proto wire payload into the request.
func (m *Request) UnmarshalWire(b []byte) error {
	*m = Request{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeString(b, typ, &m.Message)
		}
		return -1, nil
	})
}

// MarshalWire encodes the response in proto wire format.
func (m *Response) MarshalWire() ([]byte, error) {
	return appendString(nil, 1, m.Reply), nil
}

// UnmarshalWire decodes a proto wire payload into the response.
func (m *Response) UnmarshalWire(b []byte) error {
	*m = Response{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeString(b, typ, &m.Reply)
		}
		return -1, nil
	})
}

// MarshalWire encodes the record in proto wire format.
func (m *LogRecord) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.Level)
	b = appendString(b, 2, m.Message)
	for _, a := range m.Attrs {
		var inner []byte
		inner = appendString(inner, 1, a.Key)
		inner = appendString(inner, 2, a.Value)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	if m.TimeUnixNano != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.TimeUnixNano))
	}
	return b, nil
}

// UnmarshalWire decodes a proto wire payload into the record.
func (m *LogRecord) UnmarshalWire(b []byte) error {
	*m = LogRecord{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(b, typ, &m.Level)
		case 2:
			return consumeString(b, typ, &m.Message)
		case 3:
			if typ != protowire.BytesType {
				return 0, fmt.Errorf("attrs: wrong wire type %d", typ)
			}
			inner, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			var a Attr
			err := consumeFields(inner, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					return consumeString(b, typ, &a.Key)
				case 2:
					return consumeString(b, typ, &a.Value)
				}
				return -1, nil
			})
			if err != nil {
				return 0, fmt.Errorf("attrs: %w", err)
			}
			m.Attrs = append(m.Attrs, a)
			return n, nil
		case 4:
			if typ != protowire.VarintType {
				return 0, fmt.Errorf("time_unix_nano: wrong wire type %d", typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m.TimeUnixNano = int64(v)
			return n, nil
		}
		return -1, nil
	})
}

// appendString appends a proto3 string field, omitting the default value.
func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func consumeString(b []byte, typ protowire.Type, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("wrong wire type %d for string field", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if !utf8.Valid(v) {
		return 0, fmt.Errorf("string field contains invalid UTF-8")
	}
	*dst = string(v)
	return n, nil
}

// fieldFunc consumes one known field value and returns the bytes used.
// It returns -1 for unknown fields, which are skipped.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func consumeFields(b []byte, field fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		used, err := field(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if used < 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return protowire.ParseError(used)
			}
		}
		b = b[used:]
	}
	return nil
}
