package channels

import (
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/possync/internal/realtime"
)

func TestOpenRegistersConnectingRecord(t *testing.T) {
	transport := &fakeTransport{}
	c, _ := newTestController(transport)

	h := c.Open(ordersDescriptor, nil)
	require.NotNil(t, h)
	assert.Equal(t, "realtime:orders:store-1", h.Topic())
	assert.Equal(t, []string{"orders:store-1"}, c.ListActiveChannels())

	state, attempt, ok := recordState(c, "orders:store-1")
	require.True(t, ok)
	assert.Equal(t, Connecting, state)
	assert.Equal(t, 0, attempt)

	transport.last().emit(realtime.StatusSubscribed, nil)
	state, _, _ = recordState(c, "orders:store-1")
	assert.Equal(t, Subscribed, state)
}

func TestOpenTwiceReplacesRecord(t *testing.T) {
	transport := &fakeTransport{}
	c, _ := newTestController(transport)

	var mu sync.Mutex
	var got []string
	onEvent := func(tag string) EventFunc {
		return func(realtime.ChangeEvent) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, tag)
		}
	}

	first := c.Open(ordersDescriptor, onEvent("first"))
	second := c.Open(ordersDescriptor, onEvent("second"))
	require.NotNil(t, first)
	require.NotNil(t, second)

	assert.Equal(t, 1, c.Registry().Len())
	assert.Equal(t, 1, transport.handle(0).unsubscribeCount())
	assert.Equal(t, 0, transport.handle(1).unsubscribeCount())

	transport.handle(0).push(realtime.ChangeEvent{Table: "orders"})
	transport.handle(1).push(realtime.ChangeEvent{Table: "orders"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second"}, got)
}

func TestErrorRetriesAfterFiveSeconds(t *testing.T) {
	transport := &fakeTransport{}
	c, clk := newTestController(transport)

	c.Open(ordersDescriptor, nil)
	first := transport.last()
	first.emit(realtime.StatusChannelError, errBoom)

	state, _, _ := recordState(c, "orders:store-1")
	assert.Equal(t, Errored, state)
	assert.Equal(t, 1, first.unsubscribeCount(), "errored handle is torn down")

	require.NoError(t, clk.WaitAdvance(4999*time.Millisecond, time.Second, 1))
	assert.Equal(t, 1, transport.count())

	clk.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return transport.count() == 2 }, time.Second, time.Millisecond)

	state, attempt, _ := recordState(c, "orders:store-1")
	assert.Equal(t, Connecting, state)
	assert.Equal(t, 1, attempt)
	assert.Equal(t, ordersDescriptor.Normalize(), transport.last().desc)
}

func TestTimeoutRetriesAfterThreeSeconds(t *testing.T) {
	transport := &fakeTransport{}
	c, clk := newTestController(transport)

	c.Open(ordersDescriptor, nil)
	transport.last().emit(realtime.StatusTimedOut, nil)

	state, _, _ := recordState(c, "orders:store-1")
	assert.Equal(t, TimedOut, state)

	require.NoError(t, clk.WaitAdvance(2999*time.Millisecond, time.Second, 1))
	assert.Equal(t, 1, transport.count())

	clk.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return transport.count() == 2 }, time.Second, time.Millisecond)
}

func TestUnrequestedCloseIsRetriedAsError(t *testing.T) {
	transport := &fakeTransport{}
	c, clk := newTestController(transport)

	c.Open(ordersDescriptor, nil)
	transport.last().emit(realtime.StatusSubscribed, nil)
	transport.last().emit(realtime.StatusClosed, nil)

	state, _, _ := recordState(c, "orders:store-1")
	assert.Equal(t, Errored, state)

	require.NoError(t, clk.WaitAdvance(DefaultErrorRetryDelay, time.Second, 1))
	require.Eventually(t, func() bool { return transport.count() == 2 }, time.Second, time.Millisecond)
}

func TestRetriesContinueUntilClose(t *testing.T) {
	transport := &fakeTransport{}
	c, clk := newTestController(transport)

	c.Open(ordersDescriptor, nil)
	for i := 1; i <= 5; i++ {
		transport.last().emit(realtime.StatusChannelError, errBoom)
		require.NoError(t, clk.WaitAdvance(DefaultErrorRetryDelay, time.Second, 1))
		want := i + 1
		require.Eventually(t, func() bool { return transport.count() == want }, time.Second, time.Millisecond)
	}
	_, attempt, _ := recordState(c, "orders:store-1")
	assert.Equal(t, 5, attempt)

	transport.last().emit(realtime.StatusChannelError, errBoom)
	c.Close("orders:store-1")

	clk.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 6, transport.count())
	assert.Equal(t, 0, c.Registry().Len())
}

func TestRetryAfterCloseDoesNothing(t *testing.T) {
	transport := &fakeTransport{}
	c, _ := newTestController(transport)

	c.Open(ordersDescriptor, nil)
	c.registry.mu.Lock()
	rec := c.registry.records["orders:store-1"]
	gen := rec.generation
	c.registry.mu.Unlock()

	c.Close("orders:store-1")
	c.retry(rec, gen)

	assert.Equal(t, 1, transport.count())
	assert.Equal(t, 0, c.Registry().Len())
}

func TestRetryAfterReplaceDoesNothing(t *testing.T) {
	transport := &fakeTransport{}
	c, clk := newTestController(transport)

	c.Open(ordersDescriptor, nil)
	transport.last().emit(realtime.StatusChannelError, errBoom)
	c.Open(ordersDescriptor, nil)

	// the replaced record's timer was stopped with it
	clk.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, transport.count())
}

func TestCloseIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	c, _ := newTestController(transport)

	c.Open(ordersDescriptor, nil)
	c.Open(realtime.Descriptor{Name: "products", Table: "products"}, nil)

	c.Close("orders:store-1")
	c.Close("orders:store-1")
	c.Close("never-opened")

	assert.Equal(t, []string{"products"}, c.ListActiveChannels())
	assert.Equal(t, 1, transport.handle(0).unsubscribeCount())
}

func TestCloseAll(t *testing.T) {
	transport := &fakeTransport{}
	c, _ := newTestController(transport)

	c.Open(ordersDescriptor, nil)
	c.Open(realtime.Descriptor{Name: "products", Table: "products"}, nil)
	c.CloseAll()

	assert.Empty(t, c.ListActiveChannels())
	for i := 0; i < transport.count(); i++ {
		assert.Equal(t, 1, transport.handle(i).unsubscribeCount())
	}
}

func TestNilTransportDegradesOnce(t *testing.T) {
	var buf syncBuffer
	c := NewController(Config{Logger: slog.New(slog.NewTextHandler(&buf, nil))})

	assert.Nil(t, c.Open(ordersDescriptor, nil))
	assert.Nil(t, c.Open(ordersDescriptor, nil))
	assert.Equal(t, 0, c.Registry().Len())
	assert.Equal(t, 1, strings.Count(buf.String(), "no realtime transport"))
}

func TestInvalidDescriptorReturnsNil(t *testing.T) {
	transport := &fakeTransport{}
	c, _ := newTestController(transport)

	assert.Nil(t, c.Open(realtime.Descriptor{Name: "orders"}, nil))
	assert.Equal(t, 0, transport.count())
	assert.Equal(t, 0, c.Registry().Len())
}

func TestTransportErrorReturnsNil(t *testing.T) {
	transport := &fakeTransport{fail: errBoom}
	c, _ := newTestController(transport)

	assert.Nil(t, c.Open(ordersDescriptor, nil))
	assert.Equal(t, 0, c.Registry().Len())
}

func TestRetrySubscribeFailureRetriesAgain(t *testing.T) {
	transport := &fakeTransport{}
	c, clk := newTestController(transport)

	c.Open(ordersDescriptor, nil)
	transport.last().emit(realtime.StatusChannelError, errBoom)

	transport.setFail(errBoom)
	require.NoError(t, clk.WaitAdvance(DefaultErrorRetryDelay, time.Second, 1))
	require.Eventually(t, func() bool {
		state, attempt, _ := recordState(c, "orders:store-1")
		return state == Errored && attempt == 1
	}, time.Second, time.Millisecond)

	// the failed resubscribe armed a fresh timer
	transport.setFail(nil)
	require.NoError(t, clk.WaitAdvance(DefaultErrorRetryDelay, time.Second, 1))
	require.Eventually(t, func() bool { return transport.count() == 2 }, time.Second, time.Millisecond)

	_, attempt, _ := recordState(c, "orders:store-1")
	assert.Equal(t, 2, attempt)
}

func TestEventsDeliveredInOrder(t *testing.T) {
	transport := &fakeTransport{}
	c, _ := newTestController(transport)

	var got []string
	c.Open(ordersDescriptor, func(ev realtime.ChangeEvent) {
		got = append(got, ev.EventType)
	})
	h := transport.last()
	h.emit(realtime.StatusSubscribed, nil)
	h.push(realtime.ChangeEvent{Table: "orders", EventType: "INSERT"})
	h.push(realtime.ChangeEvent{Table: "orders", EventType: "UPDATE"})
	h.push(realtime.ChangeEvent{Table: "orders", EventType: "DELETE"})

	assert.Equal(t, []string{"INSERT", "UPDATE", "DELETE"}, got)
}

func TestEventsFromRetiredHandleIgnored(t *testing.T) {
	transport := &fakeTransport{}
	c, clk := newTestController(transport)

	var mu sync.Mutex
	delivered := 0
	c.Open(ordersDescriptor, func(realtime.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		delivered++
	})
	old := transport.last()
	old.emit(realtime.StatusChannelError, errBoom)
	require.NoError(t, clk.WaitAdvance(DefaultErrorRetryDelay, time.Second, 1))
	require.Eventually(t, func() bool { return transport.count() == 2 }, time.Second, time.Millisecond)

	old.push(realtime.ChangeEvent{Table: "orders"})
	transport.last().push(realtime.ChangeEvent{Table: "orders"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered)
}

func TestDebugInfo(t *testing.T) {
	transport := &fakeTransport{}
	c, _ := newTestController(transport)

	c.Open(ordersDescriptor, nil)
	c.Open(realtime.Descriptor{Name: "products", Table: "products"}, nil)
	transport.handle(1).emit(realtime.StatusSubscribed, nil)

	info := c.DebugInfo()
	assert.Equal(t, 2, info.TotalChannels)
	assert.Equal(t, map[string]int{"connecting": 1, "subscribed": 1}, info.ByState)
	require.Len(t, info.Channels, 2)
	assert.Equal(t, "orders:store-1", info.Channels[0].Name)
	assert.Equal(t, realtime.StateJoining, info.Channels[0].HandleState)
	assert.Equal(t, realtime.StateJoined, info.Channels[1].HandleState)
}
