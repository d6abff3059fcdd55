// Package errors provides the error taxonomy of the framed-buffer call
// convention. All error types support unwrapping via errors.As() and errors.Is().
package errors

import (
	stdErrors "errors"
	"fmt"
)

// Sentinels for errors.Is matching. Each typed error below reports Is() == true
// for its sentinel so callers can branch without a type assertion.
var (
	ErrAllocation        = stdErrors.New("allocation failure")
	ErrDecode            = stdErrors.New("decode error")
	ErrProtocolViolation = stdErrors.New("protocol violation")
	ErrHostCapability    = stdErrors.New("host capability failure")
	ErrAborted           = stdErrors.New("guest aborted")
	ErrSchema            = stdErrors.New("schema error")
)

// ErrorDetail provides structured error information for logs and CLI output.
// Error Types: "allocation", "decode", "protocol", "capability", "abort", "schema", "internal"
type ErrorDetail struct {
	// Wrapped contains a wrapped error for error chains.
	Wrapped *ErrorDetail `json:"wrapped,omitempty"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Type categorizes the error.
	Type string `json:"type"`

	// Code is a machine-readable error code.
	Code string `json:"code,omitempty"`
}

// Error implements the error interface.
func (e *ErrorDetail) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Type != "" && e.Type != "internal" {
		msg = fmt.Sprintf("%s: %s", e.Type, msg)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Code)
	}
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped.Error())
	}
	return msg
}

// DetailedError is implemented by every error type in this package.
type DetailedError interface {
	error
	ToErrorDetail() *ErrorDetail
}

// ToErrorDetail converts a Go error to a structured ErrorDetail.
func ToErrorDetail(err error) *ErrorDetail {
	if err == nil {
		return nil
	}

	var e *ErrorDetail
	if stdErrors.As(err, &e) {
		return e
	}

	var de DetailedError
	if stdErrors.As(err, &de) {
		return de.ToErrorDetail()
	}

	return &ErrorDetail{
		Message: err.Error(),
		Type:    "internal",
	}
}

// AllocationError reports that an allocator could not satisfy a request.
// It is fatal: no recovery path exists and it never goes through the
// escape channel.
type AllocationError struct {
	Err       error
	Requested uint32
	InUse     uint64
	Limit     uint64
}

func (e *AllocationError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("allocation of %d bytes failed (in use %d, limit %d): %v",
			e.Requested, e.InUse, e.Limit, e.Err)
	}
	return fmt.Sprintf("allocation of %d bytes failed: %v", e.Requested, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

func (e *AllocationError) Is(target error) bool { return target == ErrAllocation }

// ToErrorDetail implements DetailedError.
func (e *AllocationError) ToErrorDetail() *ErrorDetail {
	return &ErrorDetail{Message: e.Error(), Type: "allocation", Code: "alloc_failed"}
}

// DecodeError reports a payload that is not a well-formed instance of the
// expected message type.
type DecodeError struct {
	Err     error
	Schema  string
	Type    string
	Payload int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s (%s, %d byte payload): %v", e.Type, e.Schema, e.Payload, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// ToErrorDetail implements DetailedError.
func (e *DecodeError) ToErrorDetail() *ErrorDetail {
	return &ErrorDetail{Message: e.Error(), Type: "decode", Code: e.Schema}
}

// ProtocolViolation reports a detected breach of the ownership or framing
// contract: a reused handle, a prefix that disagrees with the allocation, a
// free of an unknown address. Detection is best effort; most violations are
// undefined behaviour and are prevented by construction instead.
type ProtocolViolation struct {
	Op      string
	Address uint32
	Detail  string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation in %s at 0x%x: %s", e.Op, e.Address, e.Detail)
}

func (e *ProtocolViolation) Is(target error) bool { return target == ErrProtocolViolation }

// ToErrorDetail implements DetailedError.
func (e *ProtocolViolation) ToErrorDetail() *ErrorDetail {
	return &ErrorDetail{Message: e.Error(), Type: "protocol", Code: e.Op}
}

// HostCapabilityError reports a host function that failed or broke its
// ownership contract while serving a guest import.
type HostCapabilityError struct {
	Err      error
	Function string
}

func (e *HostCapabilityError) Error() string {
	return fmt.Sprintf("host capability %s failed: %v", e.Function, e.Err)
}

func (e *HostCapabilityError) Unwrap() error { return e.Err }

func (e *HostCapabilityError) Is(target error) bool { return target == ErrHostCapability }

// ToErrorDetail implements DetailedError.
func (e *HostCapabilityError) ToErrorDetail() *ErrorDetail {
	return &ErrorDetail{Message: e.Error(), Type: "capability", Code: e.Function}
}

// AbortError is what the host observes when the guest reports an
// unrecoverable failure through its escape channel.
type AbortError struct {
	Message  string
	Module   string
	ExitCode uint32
}

func (e *AbortError) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("guest %s aborted: %s", e.Module, e.Message)
	}
	return fmt.Sprintf("guest aborted: %s", e.Message)
}

func (e *AbortError) Is(target error) bool { return target == ErrAborted }

// ToErrorDetail implements DetailedError.
func (e *AbortError) ToErrorDetail() *ErrorDetail {
	return &ErrorDetail{Message: e.Message, Type: "abort", Code: fmt.Sprintf("exit_%d", e.ExitCode)}
}

// SchemaError reports a schema collaborator that cannot serialize a value,
// usually because the value is not a message kind the schema understands.
type SchemaError struct {
	Err    error
	Schema string
	Type   string
}

func (e *SchemaError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("schema %s cannot handle %s: %v", e.Schema, e.Type, e.Err)
	}
	return fmt.Sprintf("schema %s: %v", e.Schema, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// ToErrorDetail implements DetailedError.
func (e *SchemaError) ToErrorDetail() *ErrorDetail {
	return &ErrorDetail{Message: e.Error(), Type: "schema", Code: e.Schema}
}
