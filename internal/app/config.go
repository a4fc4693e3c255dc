package app

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/juju/clock"

	"github.com/markb/possync/internal/channels"
	"github.com/markb/possync/internal/log"
	"github.com/markb/possync/internal/observability"
	"github.com/markb/possync/internal/realtime"
	"github.com/markb/possync/internal/session"
)

// Config holds everything needed to build an App.
type Config struct {
	// URL is the backend base URL.
	URL     string
	AnonKey string

	// SessionDB is the SQLite file the session is persisted to. Empty keeps
	// the session in memory only.
	SessionDB   string
	SessionSlot string

	HeartbeatInterval time.Duration
	Timeout           time.Duration
	SweepInterval     time.Duration
	ErrorRetryDelay   time.Duration
	TimeoutRetryDelay time.Duration

	Log       *log.Config
	Telemetry *observability.Config

	// Notifier receives user-facing notifications. Nil logs them.
	Notifier session.Notifier
	// OnHealth receives every health report.
	OnHealth func(channels.HealthReport)

	Clock clock.Clock
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		URL:               "http://localhost:54321",
		SessionSlot:       "default",
		HeartbeatInterval: realtime.DefaultHeartbeatInterval,
		Timeout:           realtime.DefaultTimeout,
		SweepInterval:     channels.DefaultSweepInterval,
		ErrorRetryDelay:   channels.DefaultErrorRetryDelay,
		TimeoutRetryDelay: channels.DefaultTimeoutRetryDelay,
		Log:               log.DefaultConfig(),
		Telemetry:         observability.NewConfig(),
	}
}

// LoadEnv overrides c from POSSYNC_* environment variables.
func (c *Config) LoadEnv() error {
	if v := os.Getenv("POSSYNC_URL"); v != "" {
		c.URL = v
	}
	if v := os.Getenv("POSSYNC_ANON_KEY"); v != "" {
		c.AnonKey = v
	}
	if v := os.Getenv("POSSYNC_SESSION_DB"); v != "" {
		c.SessionDB = v
	}
	if v := os.Getenv("POSSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("POSSYNC_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("POSSYNC_OTEL_EXPORTER"); v != "" {
		c.SetExporter(v)
	}
	if v := os.Getenv("POSSYNC_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("POSSYNC_HEARTBEAT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("POSSYNC_HEARTBEAT_INTERVAL: %w", err)
		}
		c.HeartbeatInterval = d
	}
	if v := os.Getenv("POSSYNC_OTEL_SAMPLE_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("POSSYNC_OTEL_SAMPLE_RATE: %w", err)
		}
		c.Telemetry.SampleRate = rate
	}
	return nil
}

// SetExporter selects the telemetry exporter and enables traces and
// metrics for anything but "none".
func (c *Config) SetExporter(name string) {
	c.Telemetry.Exporter = name
	enabled := c.Telemetry.ShouldEnable()
	c.Telemetry.MetricsEnabled = enabled
	c.Telemetry.TracesEnabled = enabled
}

// Validate reports missing or inconsistent settings.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("backend url is required")
	}
	if _, err := realtime.WebsocketURL(c.URL); err != nil {
		return err
	}
	if c.AnonKey == "" {
		return fmt.Errorf("anon key is required (set POSSYNC_ANON_KEY or --anon-key)")
	}
	return c.Telemetry.Validate()
}
