package channels

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"

	"github.com/markb/possync/internal/realtime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errBoom = errors.New("boom")

type fakeTransport struct {
	mu      sync.Mutex
	handles []*fakeHandle
	fail    error
}

func (t *fakeTransport) Channel(d realtime.Descriptor, onChange realtime.ChangeFunc, onStatus realtime.StatusFunc) (realtime.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return nil, t.fail
	}
	h := &fakeHandle{
		desc:     d,
		onChange: onChange,
		onStatus: onStatus,
		state:    realtime.StateJoining,
	}
	t.handles = append(t.handles, h)
	return h, nil
}

func (t *fakeTransport) setFail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = err
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

func (t *fakeTransport) handle(i int) *fakeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handles[i]
}

func (t *fakeTransport) last() *fakeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handles[len(t.handles)-1]
}

// fakeHandle mirrors the socket: Unsubscribe reports CLOSED synchronously.
type fakeHandle struct {
	desc     realtime.Descriptor
	onChange realtime.ChangeFunc
	onStatus realtime.StatusFunc

	mu           sync.Mutex
	state        realtime.ChannelState
	unsubscribes int
	panics       bool
}

func (h *fakeHandle) Topic() string { return h.desc.Topic() }

func (h *fakeHandle) State() realtime.ChannelState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.panics {
		panic("handle state unavailable")
	}
	return h.state
}

func (h *fakeHandle) Unsubscribe() error {
	h.mu.Lock()
	h.unsubscribes++
	wasTerminal := h.state.Terminal()
	h.state = realtime.StateClosed
	h.mu.Unlock()
	if !wasTerminal {
		h.onStatus(realtime.StatusClosed, nil)
	}
	return nil
}

func (h *fakeHandle) unsubscribeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unsubscribes
}

func (h *fakeHandle) emit(status realtime.Status, err error) {
	h.mu.Lock()
	switch status {
	case realtime.StatusSubscribed:
		h.state = realtime.StateJoined
	case realtime.StatusClosed:
		h.state = realtime.StateClosed
	default:
		h.state = realtime.StateErrored
	}
	h.mu.Unlock()
	h.onStatus(status, err)
}

// die marks the handle dead without telling anyone.
func (h *fakeHandle) die() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = realtime.StateClosed
}

func (h *fakeHandle) push(ev realtime.ChangeEvent) {
	h.onChange(ev)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestController(transport realtime.Transport) (*Controller, *testclock.Clock) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewController(Config{
		Transport: transport,
		Clock:     clk,
		Logger:    discardLogger(),
	})
	return c, clk
}

// recordState reads a record's state and attempt under the registry lock.
func recordState(c *Controller, name string) (State, int, bool) {
	c.registry.mu.Lock()
	defer c.registry.mu.Unlock()
	rec, ok := c.registry.records[name]
	if !ok {
		return Closed, 0, false
	}
	return rec.State, rec.Attempt, true
}

var ordersDescriptor = realtime.Descriptor{Name: "orders:store-1", Table: "orders", Filter: "store_id=eq.1"}
