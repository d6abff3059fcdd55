package host

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	abierr "github.com/reglet-dev/framecall/errors"
	"github.com/reglet-dev/framecall/guest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/sys"
)

func TestBoundedBuffer(t *testing.T) {
	tests := []struct {
		name   string
		writes []string
		want   string
	}{
		{"within limit", []string{"hello"}, "hello"},
		{"truncates at limit", []string{"hello world"}, "hello worl...(truncated)"},
		{"multiple writes", []string{"12345", "67890", "XXXXX"}, "1234567890...(truncated)"},
		{"exactly at limit", []string{"1234567890"}, "1234567890"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var next bytes.Buffer
			b := newBoundedBuffer(10, &next)
			for _, w := range tt.writes {
				n, err := b.Write([]byte(w))
				require.NoError(t, err)
				assert.Equal(t, len(w), n)
			}
			assert.Equal(t, tt.want, b.String())
			assert.Equal(t, strings.Join(tt.writes, ""), next.String(), "every write is forwarded")
		})
	}
}

func TestBoundedBuffer_NoNext(t *testing.T) {
	b := newBoundedBuffer(4, nil)
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd...(truncated)", b.String())
}

func TestTranslate_FatalExitIncludesStderr(t *testing.T) {
	inst := &Instance{stderr: newBoundedBuffer(DefaultStderrCapture, nil)}
	_, _ = inst.stderr.Write([]byte("guest: fatal: allocation failed\n"))

	err := inst.translate(context.Background(), sys.NewExitError(guest.FatalExitCode))
	require.ErrorIs(t, err, abierr.ErrAllocation)
	assert.Contains(t, err.Error(), "code 70")
	assert.Contains(t, err.Error(), "guest: fatal: allocation failed")

	var alloc *abierr.AllocationError
	assert.True(t, errors.As(inst.Err(), &alloc), "the failure is recorded")
	assert.ErrorIs(t, inst.usable(), ErrInstanceAborted)
}
