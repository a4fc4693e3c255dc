package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/markb/possync/internal/log"
	"github.com/markb/possync/internal/observability"
	"github.com/markb/possync/internal/realtime"
)

// DefaultSweepInterval is how often Run checks channel health.
const DefaultSweepInterval = 30 * time.Second

// HealthReport is the result of one sweep.
type HealthReport struct {
	Healthy       bool      `json:"healthy"`
	StaleChannels []string  `json:"stale_channels"`
	TotalChannels int       `json:"total_channels"`
	CheckedAt     time.Time `json:"checked_at"`
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *observability.Metrics

	// OnReport, if set, receives every report produced by Run.
	OnReport func(HealthReport)
}

// Monitor evicts records whose transport handle died without the
// controller hearing about it.
type Monitor struct {
	registry *Registry
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	onReport func(HealthReport)
}

// NewMonitor creates a monitor over registry.
func NewMonitor(registry *Registry, cfg MonitorConfig) *Monitor {
	m := &Monitor{
		registry: registry,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   log.OrDefault(cfg.Logger).With("component", "health"),
		metrics:  cfg.Metrics,
		onReport: cfg.OnReport,
	}
	if m.interval <= 0 {
		m.interval = DefaultSweepInterval
	}
	if m.clock == nil {
		m.clock = clock.WallClock
	}
	return m
}

type sweepTarget struct {
	rec    *Record
	gen    uint64
	handle realtime.Handle
}

// Sweep inspects every record once and removes the stale ones. Records
// waiting on a retry are left to the controller.
func (m *Monitor) Sweep() HealthReport {
	m.registry.mu.Lock()
	total := len(m.registry.records)
	targets := make([]sweepTarget, 0, total)
	for _, rec := range m.registry.records {
		if rec.Handle == nil || rec.waitingForRetry() {
			continue
		}
		targets = append(targets, sweepTarget{rec: rec, gen: rec.generation, handle: rec.Handle})
	}
	m.registry.mu.Unlock()

	report := HealthReport{
		StaleChannels: []string{},
		TotalChannels: total,
		CheckedAt:     m.clock.Now(),
	}
	for _, t := range targets {
		state := handleState(t.handle)
		if !state.Terminal() {
			continue
		}
		if m.registry.removeIfCurrent(t.rec, t.gen) {
			report.StaleChannels = append(report.StaleChannels, t.rec.Name())
			m.metrics.RecordEviction(context.Background(), t.rec.Descriptor.Table, string(state))
			m.logger.Warn("health: evicted stale channel", "channel", t.rec.Name(), "table", t.rec.Descriptor.Table)
		}
	}
	report.Healthy = len(report.StaleChannels) == 0
	return report
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	timer := m.clock.NewTimer(m.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.Chan():
			report := m.Sweep()
			if !report.Healthy {
				m.logger.Info("health: sweep finished", "total", report.TotalChannels, "stale", len(report.StaleChannels))
			}
			if m.onReport != nil {
				m.onReport(report)
			}
			timer.Reset(m.interval)
		}
	}
}
