package observability

import "fmt"

// Exporter names accepted by Config.Exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config selects where possync sends its traces and channel metrics.
type Config struct {
	// Exporter is one of ExporterNone, ExporterStdout or ExporterOTLP.
	Exporter string
	// Endpoint is the collector's gRPC address, used by ExporterOTLP.
	Endpoint    string
	ServiceName string
	// SampleRate is the fraction of session syncs traced, 0.0 to 1.0.
	SampleRate float64

	MetricsEnabled bool
	TracesEnabled  bool
}

// NewConfig returns a disabled configuration.
func NewConfig() *Config {
	return &Config{
		Exporter:    ExporterNone,
		Endpoint:    "localhost:4317",
		ServiceName: "possync",
		SampleRate:  1.0,
	}
}

// ShouldEnable reports whether any exporter is selected.
func (c *Config) ShouldEnable() bool {
	return c.Exporter != "" && c.Exporter != ExporterNone
}

// Validate rejects unknown exporters and out-of-range sample rates.
func (c *Config) Validate() error {
	switch c.Exporter {
	case "", ExporterNone, ExporterStdout, ExporterOTLP:
	default:
		return fmt.Errorf("unknown telemetry exporter %q", c.Exporter)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("telemetry sample rate %v out of range", c.SampleRate)
	}
	return nil
}
