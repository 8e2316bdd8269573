// Package observability provides OpenTelemetry tracing and metrics for
// query translation, compilation and execution. Providers are in-process:
// finished spans are written to the structured logger and metrics are read
// through a manual reader.
package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "ormquery"

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName      string
	ServiceVersion   string
	TraceSampleRatio float64
}

func newResource(cfg Config) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create resource")
	}
	return res, nil
}

// TracerProvider wraps the OpenTelemetry tracer provider
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// InitTracerProvider installs a global tracer provider. Finished spans go to
// logger at debug level; extra options (such as a test span recorder) are
// appended.
func InitTracerProvider(cfg Config, logger *slog.Logger, opts ...sdktrace.TracerProviderOption) (*TracerProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	all := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(traceSamplerForRatio(cfg.TraceSampleRatio)),
		sdktrace.WithSpanProcessor(&logSpanProcessor{logger: logger}),
	}
	provider := sdktrace.NewTracerProvider(append(all, opts...)...)
	otel.SetTracerProvider(provider)
	return &TracerProvider{provider: provider}, nil
}

func traceSamplerForRatio(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		return sdktrace.NeverSample()
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// Shutdown gracefully shuts down the tracer provider
func (tp *TracerProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := tp.provider.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer provider", slog.String("error", err.Error()))
		return err
	}
	logger.Debug("tracer provider shutdown successfully")
	return nil
}

// logSpanProcessor writes each finished span as one debug log record.
type logSpanProcessor struct {
	logger *slog.Logger
}

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	attrs := []any{
		slog.String("span", s.Name()),
		slog.Duration("duration", s.EndTime().Sub(s.StartTime())),
	}
	for _, kv := range s.Attributes() {
		attrs = append(attrs, slog.String(string(kv.Key), kv.Value.Emit()))
	}
	if s.Status().Code == codes.Error {
		attrs = append(attrs, slog.String("error", s.Status().Description))
	}
	p.logger.Debug("span finished", attrs...)
}

func (p *logSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *logSpanProcessor) ForceFlush(context.Context) error { return nil }

// MeterProvider wraps the OpenTelemetry meter provider
type MeterProvider struct {
	provider *metric.MeterProvider
	reader   *metric.ManualReader
}

// InitMeterProvider installs a global meter provider backed by a manual
// reader.
func InitMeterProvider(cfg Config) (*MeterProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(reader),
	)
	otel.SetMeterProvider(provider)
	return &MeterProvider{provider: provider, reader: reader}, nil
}

// Collect reads the current value of every instrument.
func (mp *MeterProvider) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := mp.reader.Collect(ctx, &rm)
	return rm, err
}

// Shutdown gracefully shuts down the meter provider
func (mp *MeterProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := mp.provider.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown meter provider", slog.String("error", err.Error()))
		return err
	}
	logger.Debug("meter provider shutdown successfully")
	return nil
}

// StartSpan starts a span named name under the component's tracer.
func StartSpan(ctx context.Context, component, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName + "/" + component)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordSpanError marks span as failed with err.
func RecordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
