package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Attribute keys used by the span helpers below and by callers that
// annotate spans directly.
var (
	AttrRunID     = attribute.Key("run.id")
	AttrRunAction = attribute.Key("run.action")
	AttrRunStatus = attribute.Key("run.status")

	AttrWidgetID   = attribute.Key("widget.id")
	AttrWidgetSlug = attribute.Key("widget.slug")
	AttrAction     = attribute.Key("action")

	AttrEdgeID      = attribute.Key("edge.id")
	AttrContentType = attribute.Key("transform.content_type")

	AttrResultKind = attribute.Key("result.kind")
)

// ServiceInfo identifies the process that spans are attributed to.
type ServiceInfo struct {
	Name        string
	Version     string
	Environment string

	// Extra attributes are added to the trace resource verbatim.
	Extra map[string]string
}

// Tracer owns the span provider for the engine. When tracing is
// disabled it still hands out spans; they are simply never exported.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer from cfg. An enabled tracer installs
// itself as the global OpenTelemetry provider and registers the W3C
// trace context and baggage propagators.
func NewTracer(cfg TracingConfig, svc ServiceInfo) (*Tracer, error) {
	if !cfg.Enabled {
		// A provider with no processors records nothing.
		provider := sdktrace.NewTracerProvider()
		return &Tracer{provider: provider, tracer: provider.Tracer(svc.Name)}, nil
	}

	res, err := newResource(svc)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(svc.Name)}, nil
}

// newResource describes the service in every exported span.
func newResource(svc ServiceInfo) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(svc.Name),
		semconv.ServiceVersionKey.String(svc.Version),
		attribute.String("environment", svc.Environment),
	}
	for k, v := range svc.Extra {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}
	return res, nil
}

// newExporter returns the span exporter selected by cfg.Exporter. The
// "none" exporter returns nil; spans are sampled but dropped on End.
func newExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	case "otlp":
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithBlock()),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(context.Background(), opts...)
}

// Start begins a span with the given name.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// StartSpan begins a span carrying the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartRunSpan begins the root span for one hierarchy run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, action string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "run.execute",
		AttrRunID.String(runID),
		AttrRunAction.String(action),
		attribute.String("span.kind", "run"),
	)
}

// StartWidgetSpan begins a span covering one widget execution.
func (t *Tracer) StartWidgetSpan(ctx context.Context, widgetID, action string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "widget.execute",
		AttrWidgetID.String(widgetID),
		AttrAction.String(action),
		attribute.String("span.kind", "widget"),
	)
}

// StartTransformSpan begins a span covering one transformer invocation.
func (t *Tracer) StartTransformSpan(ctx context.Context, edgeID, contentType string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "transform."+contentType,
		AttrEdgeID.String(edgeID),
		AttrContentType.String(contentType),
		attribute.String("span.kind", "transform"),
	)
}

// Shutdown flushes pending spans and releases the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// ForceFlush exports all pending spans immediately.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

// RecordError marks the span as failed and records err on it.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as completed without error.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// SetAttributes sets attributes on a span.
func SetAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
}
