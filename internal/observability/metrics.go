package observability

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CacheMetrics holds metrics for the compiled-query cache.
type CacheMetrics struct {
	hits            metric.Int64Counter
	misses          metric.Int64Counter
	compileDuration metric.Float64Histogram
}

// InitCacheMetrics initializes compiled-query cache metrics
func InitCacheMetrics() (*CacheMetrics, error) {
	meter := otel.Meter(instrumentationName)

	hits, err := meter.Int64Counter(
		"cache.compiled_queries.hits",
		metric.WithDescription("Number of compiled-query cache hits"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cache hit counter")
	}

	misses, err := meter.Int64Counter(
		"cache.compiled_queries.misses",
		metric.WithDescription("Number of compiled-query cache misses"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cache miss counter")
	}

	compileDuration, err := meter.Float64Histogram(
		"cache.compile.duration",
		metric.WithDescription("Duration of cache backend compilation in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create compile duration histogram")
	}

	return &CacheMetrics{hits: hits, misses: misses, compileDuration: compileDuration}, nil
}

// RecordHit counts a cache hit.
func (m *CacheMetrics) RecordHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.hits.Add(ctx, 1)
}

// RecordMiss counts a cache miss and the compilation it caused.
func (m *CacheMetrics) RecordMiss(ctx context.Context, compile time.Duration) {
	if m == nil {
		return
	}
	m.misses.Add(ctx, 1)
	m.compileDuration.Record(ctx, float64(compile.Microseconds())/1000)
}

// QueryMetrics holds metrics for live-store query execution.
type QueryMetrics struct {
	duration metric.Float64Histogram
	rows     metric.Int64Histogram
	errors   metric.Int64Counter
}

// InitQueryMetrics initializes query execution metrics
func InitQueryMetrics() (*QueryMetrics, error) {
	meter := otel.Meter(instrumentationName)

	duration, err := meter.Float64Histogram(
		"dbexec.query.duration",
		metric.WithDescription("Duration of SQL query execution in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create query duration histogram")
	}

	rows, err := meter.Int64Histogram(
		"dbexec.query.rows",
		metric.WithDescription("Number of rows materialized per query"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create query rows histogram")
	}

	errorCounter, err := meter.Int64Counter(
		"dbexec.query.errors",
		metric.WithDescription("Number of failed queries"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create query error counter")
	}

	return &QueryMetrics{duration: duration, rows: rows, errors: errorCounter}, nil
}

// RecordQuery records one executed query.
func (m *QueryMetrics) RecordQuery(ctx context.Context, dialect string, elapsed time.Duration, rows int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("dialect", dialect))
	m.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	if err != nil {
		m.errors.Add(ctx, 1, attrs)
		return
	}
	m.rows.Record(ctx, int64(rows), attrs)
}
