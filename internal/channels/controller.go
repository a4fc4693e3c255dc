package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/markb/possync/internal/log"
	"github.com/markb/possync/internal/observability"
	"github.com/markb/possync/internal/realtime"
)

// Config configures a Controller.
type Config struct {
	// Transport carries the channels. A nil Transport puts the controller in
	// degraded mode: Open returns nil and callers fall back to polling.
	Transport realtime.Transport

	ErrorRetryDelay   time.Duration
	TimeoutRetryDelay time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Controller opens named channels and keeps them subscribed until closed.
type Controller struct {
	transport    realtime.Transport
	registry     *Registry
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *observability.Metrics
	errorDelay   time.Duration
	timeoutDelay time.Duration

	degradedOnce sync.Once
}

// NewController creates a controller with its own registry.
func NewController(cfg Config) *Controller {
	logger := log.OrDefault(cfg.Logger).With("component", "channels")
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	c := &Controller{
		transport:    cfg.Transport,
		registry:     NewRegistry(logger, cfg.Metrics),
		clock:        clk,
		logger:       logger,
		metrics:      cfg.Metrics,
		errorDelay:   cfg.ErrorRetryDelay,
		timeoutDelay: cfg.TimeoutRetryDelay,
	}
	if c.errorDelay <= 0 {
		c.errorDelay = DefaultErrorRetryDelay
	}
	if c.timeoutDelay <= 0 {
		c.timeoutDelay = DefaultTimeoutRetryDelay
	}
	return c
}

// Registry returns the registry the controller owns.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Open subscribes to the feed described by d and returns the transport
// handle, or nil when the channel could not be created. An existing channel
// with the same name is closed first.
func (c *Controller) Open(d realtime.Descriptor, onEvent EventFunc) realtime.Handle {
	if err := d.Validate(); err != nil {
		c.logger.Warn("channels: invalid descriptor", "channel", d.Name, "error", err.Error())
		return nil
	}
	if c.transport == nil {
		c.degradedOnce.Do(func() {
			c.logger.Warn("channels: no realtime transport, live updates disabled")
		})
		return nil
	}
	d = d.Normalize()

	rec := &Record{
		ID:         uuid.New(),
		Descriptor: d,
		State:      Connecting,
		CreatedAt:  c.clock.Now(),
		onEvent:    onEvent,
		generation: 1,
	}
	c.registry.Set(rec)

	h, err := c.subscribe(rec, 1)
	if err != nil {
		c.logger.Warn("channels: subscribe failed", "channel", d.Name, "error", err.Error())
		c.registry.removeIfCurrent(rec, 1)
		return nil
	}
	c.logger.Debug("channels: opened", "channel", d.Name, "table", d.Table, "filter", d.Filter)
	return h
}

// Close tears down the channel registered under name. Unknown names are
// ignored.
func (c *Controller) Close(name string) {
	if c.registry.Remove(name) {
		c.logger.Debug("channels: closed", "channel", name)
	}
}

// CloseAll tears down every channel.
func (c *Controller) CloseAll() {
	if n := c.registry.RemoveAll(); n > 0 {
		c.logger.Debug("channels: closed all", "count", n)
	}
}

// ListActiveChannels returns the names of all registered channels.
func (c *Controller) ListActiveChannels() []string {
	return c.registry.Names()
}

// DebugInfo summarizes the registry for diagnostics.
type DebugInfo struct {
	TotalChannels int            `json:"total_channels"`
	ByState       map[string]int `json:"by_state"`
	Channels      []ChannelInfo  `json:"channels"`
	RecentLogs    []string       `json:"recent_logs,omitempty"`
}

const debugLogLines = 20

// DebugInfo returns a snapshot of every channel and recent log output.
func (c *Controller) DebugInfo() DebugInfo {
	infos := c.registry.List()
	byState := make(map[string]int)
	for _, info := range infos {
		byState[info.State]++
	}
	return DebugInfo{
		TotalChannels: len(infos),
		ByState:       byState,
		Channels:      infos,
		RecentLogs:    log.RecentLines(debugLogLines),
	}
}

// subscribe asks the transport for a handle bound to generation gen and
// attaches it to rec.
func (c *Controller) subscribe(rec *Record, gen uint64) (realtime.Handle, error) {
	h, err := c.transport.Channel(rec.Descriptor,
		func(ev realtime.ChangeEvent) { c.handleChange(rec, gen, ev) },
		func(status realtime.Status, err error) { c.handleStatus(rec, gen, status, err) },
	)
	if err != nil {
		return nil, err
	}

	attached := c.registry.update(rec, gen, func(rec *Record) {
		rec.Handle = h
	})
	if !attached {
		// closed, replaced or failed while the transport was joining
		if err := h.Unsubscribe(); err != nil {
			c.logger.Debug("channels: unsubscribe failed", "channel", rec.Name(), "error", err.Error())
		}
	}
	return h, nil
}

func (c *Controller) handleChange(rec *Record, gen uint64, ev realtime.ChangeEvent) {
	var onEvent EventFunc
	if !c.registry.update(rec, gen, func(rec *Record) { onEvent = rec.onEvent }) {
		return
	}
	c.metrics.RecordEvent(context.Background(), rec.Descriptor.Table)
	if onEvent != nil {
		onEvent(ev)
	}
}

func (c *Controller) handleStatus(rec *Record, gen uint64, status realtime.Status, cause error) {
	var (
		stale   realtime.Handle
		next    State
		delay   time.Duration
		attempt int
		act     action
	)
	ok := c.registry.update(rec, gen, func(rec *Record) {
		next, act = transition(rec.State, signalFor(status))
		rec.State = next
		if act != actionRetry {
			return
		}
		stale = rec.Handle
		rec.Handle = nil
		rec.generation++
		delay = c.retryDelay(next)
		attempt = rec.Attempt + 1
		retryGen := rec.generation
		rec.stopRetry()
		rec.retry = c.clock.AfterFunc(delay, func() { c.retry(rec, retryGen) })
	})
	if !ok {
		return
	}

	switch act {
	case actionRetry:
		args := []any{"channel", rec.Name(), "status", status.String(), "attempt", attempt, "delay", delay}
		if cause != nil {
			args = append(args, "error", cause.Error())
		}
		c.logger.Warn("channels: subscription lost, retrying", args...)
		c.metrics.RecordRetry(context.Background(), rec.Descriptor.Table, next.String())
	case actionNone:
		if next == Subscribed && status == realtime.StatusSubscribed {
			c.logger.Debug("channels: subscribed", "channel", rec.Name())
		}
	}

	if stale != nil {
		if err := stale.Unsubscribe(); err != nil {
			c.logger.Debug("channels: unsubscribe failed", "channel", rec.Name(), "error", err.Error())
		}
	}
}

func (c *Controller) retryDelay(s State) time.Duration {
	if s == TimedOut {
		return c.timeoutDelay
	}
	return c.errorDelay
}

// retry resubscribes rec with the same descriptor. It does nothing if the
// record was closed or replaced after the timer was armed.
func (c *Controller) retry(rec *Record, gen uint64) {
	var newGen uint64
	ok := c.registry.update(rec, gen, func(rec *Record) {
		rec.retry = nil
		rec.State = Connecting
		rec.Attempt++
		rec.generation++
		newGen = rec.generation
	})
	if !ok {
		return
	}

	if _, err := c.subscribe(rec, newGen); err != nil {
		c.handleStatus(rec, newGen, realtime.StatusChannelError, err)
	}
}
