// Package observability provides OpenTelemetry tracing and metrics for
// the write path, the applier, and the background maintainers.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults with telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "entdb",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider manages trace and metric providers plus the domain instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	txCounter       metric.Int64Counter
	conflictCounter metric.Int64Counter
	deadLetterCount metric.Int64Counter
	applyLagHist    metric.Float64Histogram
	appendDuration  metric.Float64Histogram
}

// New creates the provider. A disabled config returns an inert provider
// whose record methods are no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("entdb", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("entdb", metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.txCounter, err = p.meter.Int64Counter("entdb.transactions.total",
		metric.WithDescription("Transactions accepted by the coordinator"),
		metric.WithUnit("{transaction}"))
	if err != nil {
		return err
	}
	p.conflictCounter, err = p.meter.Int64Counter("entdb.conflicts.total",
		metric.WithDescription("Transactions resolved as version conflicts"),
		metric.WithUnit("{transaction}"))
	if err != nil {
		return err
	}
	p.deadLetterCount, err = p.meter.Int64Counter("entdb.deadletter.total",
		metric.WithDescription("Events routed to the dead-letter sidecar"),
		metric.WithUnit("{event}"))
	if err != nil {
		return err
	}
	p.applyLagHist, err = p.meter.Float64Histogram("entdb.apply.lag",
		metric.WithDescription("Seconds between append and apply"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0))
	if err != nil {
		return err
	}
	p.appendDuration, err = p.meter.Float64Histogram("entdb.append.duration",
		metric.WithDescription("WAL append latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0))
	if err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("entdb")
	}
	return p.tracer
}

// RecordTransaction counts a coordinator transaction by outcome.
func (p *Provider) RecordTransaction(ctx context.Context, tenant, outcome string) {
	if p.txCounter != nil {
		p.txCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("outcome", outcome)))
	}
}

// RecordConflict counts a version conflict.
func (p *Provider) RecordConflict(ctx context.Context, tenant string) {
	if p.conflictCounter != nil {
		p.conflictCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant", tenant)))
	}
}

// RecordDeadLetter counts a dead-lettered event. Alertable.
func (p *Provider) RecordDeadLetter(ctx context.Context, tenant string) {
	if p.deadLetterCount != nil {
		p.deadLetterCount.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant", tenant)))
	}
}

// RecordApplyLag records the append-to-apply delay for one event.
func (p *Provider) RecordApplyLag(ctx context.Context, tenant string, lag time.Duration) {
	if p.applyLagHist != nil {
		p.applyLagHist.Record(ctx, lag.Seconds(), metric.WithAttributes(attribute.String("tenant", tenant)))
	}
}

// RecordAppend records one WAL append latency.
func (p *Provider) RecordAppend(ctx context.Context, d time.Duration) {
	if p.appendDuration != nil {
		p.appendDuration.Record(ctx, d.Seconds())
	}
}
