package host

import (
	"bytes"
	"io"
	"sync"
)

// DefaultStderrCapture is how much guest stderr an instance keeps for
// failure reports.
const DefaultStderrCapture = 4 * 1024

// boundedBuffer keeps the first limit bytes written to it and forwards every
// write to next, if set.
type boundedBuffer struct {
	mu        sync.Mutex
	buffer    bytes.Buffer
	limit     int
	truncated bool
	next      io.Writer
}

func newBoundedBuffer(limit int, next io.Writer) *boundedBuffer {
	return &boundedBuffer{limit: limit, next: next}
}

// Write never reports a short write for the captured part.
func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	remaining := b.limit - b.buffer.Len()
	switch {
	case remaining <= 0:
		b.truncated = len(p) > 0 || b.truncated
	case len(p) > remaining:
		b.truncated = true
		b.buffer.Write(p[:remaining])
	default:
		b.buffer.Write(p)
	}
	b.mu.Unlock()

	if b.next != nil {
		return b.next.Write(p)
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buffer.String() + "...(truncated)"
	}
	return b.buffer.String()
}
