package log

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

// RingBuffer is a thread-safe circular buffer of formatted log lines.
type RingBuffer struct {
	mu       sync.RWMutex
	lines    []string
	capacity int
	head     int  // next write position
	full     bool // buffer has wrapped
}

// NewRingBuffer creates a ring buffer holding at most capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 200
	}
	return &RingBuffer{
		lines:    make([]string, capacity),
		capacity: capacity,
	}
}

// Add stores a line, evicting the oldest when full.
func (rb *RingBuffer) Add(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.lines[rb.head] = line
	rb.head = (rb.head + 1) % rb.capacity
	if rb.head == 0 {
		rb.full = true
	}
}

// Lines returns the last n lines, oldest first.
func (rb *RingBuffer) Lines(n int) []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	total := rb.total()
	if n > total {
		n = total
	}
	if n <= 0 {
		return []string{}
	}

	start := 0
	if rb.full {
		start = rb.head
	}
	skip := total - n

	out := make([]string, n)
	for i := range out {
		out[i] = rb.lines[(start+skip+i)%rb.capacity]
	}
	return out
}

// Len returns the number of lines currently held.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total()
}

func (rb *RingBuffer) total() int {
	if rb.full {
		return rb.capacity
	}
	return rb.head
}

// BufferHandler copies every record into a RingBuffer and forwards it to
// the wrapped handler when that handler accepts the level.
type BufferHandler struct {
	wrapped slog.Handler
	buffer  *RingBuffer
	attrs   []slog.Attr
}

// NewBufferHandler creates a handler that stores records in buffer.
// wrapped may be nil.
func NewBufferHandler(wrapped slog.Handler, buffer *RingBuffer) *BufferHandler {
	return &BufferHandler{wrapped: wrapped, buffer: buffer}
}

// Enabled always reports true; the buffer captures debug records even when
// the console is quieter.
func (h *BufferHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle buffers r and forwards it.
func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	var buf bytes.Buffer
	text := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}).WithAttrs(h.attrs)
	if err := text.Handle(ctx, r); err == nil {
		h.buffer.Add(strings.TrimRight(buf.String(), "\n"))
	}

	if h.wrapped != nil && h.wrapped.Enabled(ctx, r.Level) {
		return h.wrapped.Handle(ctx, r)
	}
	return nil
}

// WithAttrs returns a handler carrying attrs on both sides.
func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &BufferHandler{
		buffer: h.buffer,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
	if h.wrapped != nil {
		next.wrapped = h.wrapped.WithAttrs(attrs)
	}
	return next
}

// WithGroup returns a handler with the given group applied to the wrapped handler.
func (h *BufferHandler) WithGroup(name string) slog.Handler {
	next := &BufferHandler{buffer: h.buffer, attrs: h.attrs}
	if h.wrapped != nil {
		next.wrapped = h.wrapped.WithGroup(name)
	}
	return next
}
