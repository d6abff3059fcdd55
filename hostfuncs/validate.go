package hostfuncs

import (
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
)

// validate is shared; validator caches struct metadata per instance.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a decoded request against its `validate` struct tags.
// Values that are not structs pass unchanged.
func Validate(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("request validation failed: %w", err)
	}
	return nil
}
