package observability

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Metrics holds the instruments recorded by the channel and session layers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ChannelRetries      metric.Int64Counter
	ChannelEvictions    metric.Int64Counter
	ChannelEvents       metric.Int64Counter
	ChannelsActive      metric.Int64UpDownCounter
	SessionSyncs        metric.Int64Counter
	ProfileLoadDuration metric.Float64Histogram
}

// Common attributes
var (
	AttrTable   = attribute.Key("table")
	AttrReason  = attribute.Key("reason")
	AttrOutcome = attribute.Key("outcome")
)

// InitMetrics creates the instruments on mp.
func InitMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("possync")

	m := &Metrics{}

	var err error
	m.ChannelRetries, err = meter.Int64Counter(
		"possync.channel.retries",
		metric.WithDescription("Channel resubscribe attempts scheduled after a transport error or timeout"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel retries counter: %w", err)
	}

	m.ChannelEvictions, err = meter.Int64Counter(
		"possync.channel.evictions",
		metric.WithDescription("Channels evicted by the health monitor"),
		metric.WithUnit("{channel}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel evictions counter: %w", err)
	}

	m.ChannelEvents, err = meter.Int64Counter(
		"possync.channel.events",
		metric.WithDescription("Change events delivered to subscribers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel events counter: %w", err)
	}

	m.ChannelsActive, err = meter.Int64UpDownCounter(
		"possync.channel.active",
		metric.WithDescription("Channels currently held by the registry"),
		metric.WithUnit("{channel}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active channels counter: %w", err)
	}

	m.SessionSyncs, err = meter.Int64Counter(
		"possync.session.syncs",
		metric.WithDescription("Session synchronizations by outcome"),
		metric.WithUnit("{sync}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session syncs counter: %w", err)
	}

	m.ProfileLoadDuration, err = meter.Float64Histogram(
		"possync.session.profile_load_duration",
		metric.WithDescription("Profile load latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile load histogram: %w", err)
	}

	return m, nil
}

// RecordRetry counts a scheduled channel retry. Channel names embed user
// ids, so series are keyed by table.
func (m *Metrics) RecordRetry(ctx context.Context, table, reason string) {
	if m == nil {
		return
	}
	m.ChannelRetries.Add(ctx, 1, metric.WithAttributes(AttrTable.String(table), AttrReason.String(reason)))
}

// RecordEviction counts a health-monitor eviction.
func (m *Metrics) RecordEviction(ctx context.Context, table, reason string) {
	if m == nil {
		return
	}
	m.ChannelEvictions.Add(ctx, 1, metric.WithAttributes(AttrTable.String(table), AttrReason.String(reason)))
}

// RecordEvent counts a delivered change event.
func (m *Metrics) RecordEvent(ctx context.Context, table string) {
	if m == nil {
		return
	}
	m.ChannelEvents.Add(ctx, 1, metric.WithAttributes(AttrTable.String(table)))
}

// AddActive adjusts the active channel gauge by delta.
func (m *Metrics) AddActive(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ChannelsActive.Add(ctx, delta)
}

// RecordSync counts a finished session sync and the profile load latency.
func (m *Metrics) RecordSync(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SessionSyncs.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
	m.ProfileLoadDuration.Record(ctx, float64(elapsed.Microseconds())/1000.0,
		metric.WithAttributes(AttrOutcome.String(outcome)))
}

// initMeterProvider initializes the meter provider based on config.
func initMeterProvider(ctx context.Context, cfg *Config) (metric.MeterProvider, sdkmetric.Reader, error) {
	var reader sdkmetric.Reader

	switch cfg.Exporter {
	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	case ExporterOTLP:
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		conn, err := grpc.DialContext(dialCtx, cfg.Endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to OTLP collector: %w", err)
		}

		exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP metrics exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	case ExporterNone:
		return sdkmetric.NewMeterProvider(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	return mp, reader, nil
}

func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}
