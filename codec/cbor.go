package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBORName is the configuration name of the CBOR schema.
const CBORName = "cbor"

// encMode uses Core Deterministic Encoding: the same message always yields
// the same payload bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields and rejects invalid UTF-8 text.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		UTF8:           cbor.UTF8RejectInvalid,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBOR encodes structs by their json field names.
type CBOR struct{}

func (CBOR) Name() string { return CBORName }

func (CBOR) Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (CBOR) Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Diagnose returns the CBOR diagnostic notation for data.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
