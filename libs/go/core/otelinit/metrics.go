package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Metrics holds the signature engine instruments.
type Metrics struct {
	Matches        metric.Int64Counter
	ScanDuration   metric.Float64Histogram
	ScanBytes      metric.Int64Counter
	ScanErrors     metric.Int64Counter
	ActiveScans    metric.Int64UpDownCounter
	Throttled      metric.Int64Counter
	RulesLoaded    metric.Int64Gauge
	Reloads        metric.Int64Counter
	ReloadFailures metric.Int64Counter
	BuildDuration  metric.Float64Histogram
	Published      metric.Int64Counter
	PublishErrors  metric.Int64Counter
}

// InitMetrics sets up a global OTLP metrics exporter (push) and returns the
// instruments bound to the resulting provider.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
	noop := func(context.Context) error { return nil }
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		return noop, NewMetrics(otel.Meter("swarm-go"))
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return noop, NewMetrics(otel.Meter("swarm-go"))
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(serviceResource(service)))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, NewMetrics(mp.Meter("swarm-go"))
}

// NewMetrics creates the instruments on meter. Creation errors are ignored; the
// returned instruments are usable either way.
func NewMetrics(meter metric.Meter) Metrics {
	var m Metrics
	m.Matches, _ = meter.Int64Counter("swarm_signature_match_total")
	m.ScanDuration, _ = meter.Float64Histogram("swarm_scan_duration_seconds", metric.WithUnit("s"))
	m.ScanBytes, _ = meter.Int64Counter("swarm_scan_bytes", metric.WithUnit("By"))
	m.ScanErrors, _ = meter.Int64Counter("swarm_scan_errors_total")
	m.ActiveScans, _ = meter.Int64UpDownCounter("swarm_scan_active")
	m.Throttled, _ = meter.Int64Counter("swarm_scan_throttled_total")
	m.RulesLoaded, _ = meter.Int64Gauge("swarm_signature_rules_loaded")
	m.Reloads, _ = meter.Int64Counter("swarm_signatures_reloads_total")
	m.ReloadFailures, _ = meter.Int64Counter("swarm_signatures_reload_failures_total")
	m.BuildDuration, _ = meter.Float64Histogram("swarm_signature_build_seconds", metric.WithUnit("s"))
	m.Published, _ = meter.Int64Counter("swarm_signature_events_published_total")
	m.PublishErrors, _ = meter.Int64Counter("swarm_signature_events_publish_errors_total")
	return m
}
