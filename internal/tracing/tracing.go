package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	serviceName    = "eventpoller"
	serviceVersion = "0.1.0"
)

// Config holds tracing configuration
type Config struct {
	Enabled    bool
	Endpoint   string
	SampleRate float64
	Insecure   bool
	// Hostname identifies the collector in the trace resource
	Hostname string
}

// Provider wraps the OpenTelemetry tracer provider
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider creates a tracing provider. When tracing is disabled the
// tracer is a no-op and nothing is registered globally. An empty
// endpoint records spans without exporting them.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(serviceName)}, nil
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", serviceName),
		attribute.String("service.version", serviceVersion),
	}
	if cfg.Hostname != "" {
		attrs = append(attrs, attribute.String("host.name", cfg.Hostname))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
		sdktrace.WithResource(res),
	}
	if cfg.Endpoint != "" {
		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(clientOpts...))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp, tracer: tp.Tracer(serviceName)}, nil
}

// sampler keeps every poll unless a ratio below one is configured
func sampler(rate float64) sdktrace.Sampler {
	if rate > 0 && rate < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
	return sdktrace.AlwaysSample()
}

// Tracer returns the tracer
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes pending spans and stops the provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	if err := p.tp.ForceFlush(ctx); err != nil {
		return err
	}
	return p.tp.Shutdown(ctx)
}

// TracePoll creates the span covering one poll of one target
func TracePoll(ctx context.Context, tracer trace.Tracer, targetKey, host string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "poll",
		trace.WithAttributes(
			attribute.String("target.key", targetKey),
			attribute.String("target.host", host),
		),
	)
}

// TraceQuery creates a span for a WMI query
func TraceQuery(ctx context.Context, tracer trace.Tracer, querier, class string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "wmi.query",
		trace.WithAttributes(
			attribute.String("wmi.querier", querier),
			attribute.String("wmi.class", class),
		),
	)
}

// TraceOutput creates a span for output operations
func TraceOutput(ctx context.Context, tracer trace.Tracer, outputName string, eventCount int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "output.send",
		trace.WithAttributes(
			attribute.String("output.name", outputName),
			attribute.Int("event.count", eventCount),
		),
	)
}

// Skip reasons recorded by SkipRecord
const (
	SkipStale     = "stale"
	SkipMalformed = "malformed"
)

// SkipRecord adds an event to the span in ctx for a record the poll
// dropped. ts is the event timestamp, zero when it could not be read.
func SkipRecord(ctx context.Context, reason string, ts int64, err error) {
	attrs := []attribute.KeyValue{attribute.String("skip.reason", reason)}
	if ts != 0 {
		attrs = append(attrs, attribute.Int64("event.timestamp", ts))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	trace.SpanFromContext(ctx).AddEvent("record.skipped", trace.WithAttributes(attrs...))
}

// Fail records err on the span in ctx and marks it failed
func Fail(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
