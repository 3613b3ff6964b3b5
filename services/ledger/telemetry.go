package main

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// initTelemetry liga os exporters OTLP de traces e métricas do ledger e
// devolve o shutdown que drena os dois
func initTelemetry(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTelEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	metricExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.OTelEndpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// LedgerMetrics agrupa os instrumentos do ledger
type LedgerMetrics struct {
	committed      metric.Int64Counter
	rejected       metric.Int64Counter
	commitAttempts metric.Int64Counter
	commitDuration metric.Float64Histogram
}

// NewLedgerMetrics registra os instrumentos no meter
func NewLedgerMetrics(meter metric.Meter) (*LedgerMetrics, error) {
	committed, err := meter.Int64Counter(
		"ledger.transactions.committed",
		metric.WithDescription("Transactions committed to the ledger"),
	)
	if err != nil {
		return nil, err
	}

	rejected, err := meter.Int64Counter(
		"ledger.transactions.rejected",
		metric.WithDescription("Transactions rejected before or during commit"),
	)
	if err != nil {
		return nil, err
	}

	commitAttempts, err := meter.Int64Counter(
		"ledger.commit.attempts",
		metric.WithDescription("Atomic commit attempts, retries included"),
	)
	if err != nil {
		return nil, err
	}

	commitDuration, err := meter.Float64Histogram(
		"ledger.commit.duration",
		metric.WithDescription("Duration of a single commit attempt"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &LedgerMetrics{
		committed:      committed,
		rejected:       rejected,
		commitAttempts: commitAttempts,
		commitDuration: commitDuration,
	}, nil
}

func (m *LedgerMetrics) recordCommitted(ctx context.Context, txType TransactionType) {
	m.committed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(txType))))
}

func (m *LedgerMetrics) recordRejected(ctx context.Context, err error) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", rejectionReason(err))))
}

func (m *LedgerMetrics) recordAttempt(ctx context.Context, elapsed time.Duration, err error) {
	outcome := "committed"
	if err != nil {
		outcome = rejectionReason(err)
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.commitAttempts.Add(ctx, 1, attrs)
	m.commitDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}
