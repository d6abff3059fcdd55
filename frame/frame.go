// Package frame defines the Framed Buffer wire format, the only artifact
// exchanged across the guest/host boundary:
//
//	Framed Buffer := length:u32 (big-endian) || payload:bytes[length]
//
// A frame occupies exactly length+4 bytes of linear memory. Nothing reads a
// frame without first reading its own prefix to learn its extent.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// PrefixSize is the size of the big-endian length prefix.
const PrefixSize = 4

// MaxPayload is the largest payload whose frame still fits a 32-bit address space.
const MaxPayload = math.MaxUint32 - PrefixSize

var (
	// ErrShortPrefix is returned when fewer than PrefixSize bytes are available.
	ErrShortPrefix = errors.New("frame: short length prefix")
	// ErrLengthMismatch is returned when the prefix disagrees with the frame extent.
	ErrLengthMismatch = errors.New("frame: length prefix does not match payload")
	// ErrTooLarge is returned for payloads that cannot be described by a u32 prefix.
	ErrTooLarge = errors.New("frame: payload too large")
)

// Size returns the total frame size for a payload of n bytes.
func Size(n uint32) uint32 {
	return n + PrefixSize
}

// CheckPayload reports whether a payload of n bytes can be framed.
func CheckPayload(n int) error {
	if n < 0 || uint64(n) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}
	return nil
}

// PutPrefix writes n as a big-endian prefix into b[:4].
func PutPrefix(b []byte, n uint32) {
	binary.BigEndian.PutUint32(b[:PrefixSize], n)
}

// PayloadLen reads the big-endian prefix at the start of b.
func PayloadLen(b []byte) (uint32, error) {
	if len(b) < PrefixSize {
		return 0, ErrShortPrefix
	}
	return binary.BigEndian.Uint32(b[:PrefixSize]), nil
}

// Append appends the frame for payload to dst and returns the extended slice.
func Append(dst, payload []byte) ([]byte, error) {
	if err := CheckPayload(len(payload)); err != nil {
		return dst, err
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// Split validates a complete frame and returns its payload, which aliases b.
func Split(b []byte) ([]byte, error) {
	n, err := PayloadLen(b)
	if err != nil {
		return nil, err
	}
	if uint64(n)+PrefixSize != uint64(len(b)) {
		return nil, fmt.Errorf("%w: prefix %d, frame %d bytes", ErrLengthMismatch, n, len(b))
	}
	return b[PrefixSize:], nil
}
