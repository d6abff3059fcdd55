package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONName is the configuration name of the JSON schema.
const JSONName = "json"

// JSON encodes messages with encoding/json.
type JSON struct{}

func (JSON) Name() string { return JSONName }

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}
