package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// CacheMetricsMeterName is the name used for the cache metrics meter
	CacheMetricsMeterName = "github.com/pulsedesk/feedback-sync-server/cache"

	// RefreshMetricsMeterName is the name used for the refresh metrics meter
	RefreshMetricsMeterName = "github.com/pulsedesk/feedback-sync-server/refresh"
)

// CacheMetrics holds the OpenTelemetry instruments for cache state metrics
type CacheMetrics struct {
	recordsTotal metric.Int64Gauge
}

// NewCacheMetrics creates a new CacheMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewCacheMetrics(provider metric.MeterProvider) (*CacheMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(CacheMetricsMeterName)

	recordsTotal, err := meter.Int64Gauge(
		"fbsync_cached_records_total",
		metric.WithDescription("Number of feedback records in the local cache"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return &CacheMetrics{recordsTotal: recordsTotal}, nil
}

// RecordRecordsTotal records the current number of cached feedback records
func (m *CacheMetrics) RecordRecordsTotal(ctx context.Context, count int64) {
	if m == nil || m.recordsTotal == nil {
		return
	}
	m.recordsTotal.Record(ctx, count)
}

// RefreshMetrics holds the OpenTelemetry instruments for refresh operation metrics
type RefreshMetrics struct {
	refreshDuration metric.Float64Histogram
}

// NewRefreshMetrics creates a new RefreshMetrics instance with the given
// meter provider. If provider is nil, it returns nil (no-op metrics).
func NewRefreshMetrics(provider metric.MeterProvider) (*RefreshMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(RefreshMetricsMeterName)

	refreshDuration, err := meter.Float64Histogram(
		"fbsync_refresh_duration_seconds",
		metric.WithDescription("Duration of cache refresh operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	return &RefreshMetrics{refreshDuration: refreshDuration}, nil
}

// RecordRefreshDuration records the duration of a refresh operation
func (m *RefreshMetrics) RecordRefreshDuration(ctx context.Context, mode string, duration time.Duration, success bool) {
	if m == nil || m.refreshDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("mode", mode),
		attribute.Bool("success", success),
	}

	m.refreshDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}
