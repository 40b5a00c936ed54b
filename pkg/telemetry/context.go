package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics registry, and event
// bus behind one handle that travels on the context.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryKey struct{}

// NewTelemetry validates cfg and brings up every telemetry component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	tracer, err := NewTracer(cfg.Tracing, ServiceInfo{
		Name:        cfg.ServiceName,
		Version:     cfg.ServiceVersion,
		Environment: cfg.Environment,
		Extra:       cfg.ResourceAttributes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build tracer: %w", err)
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to build metrics: %w", err)
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, fmt.Errorf("failed to build event publisher: %w", err)
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext attaches the telemetry handle and its logger to ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext returns the telemetry handle carried by ctx, or
// nil when there is none.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryKey{}).(*Telemetry)
	return t
}

// Shutdown stops the event bus, then the tracer. Events go first so
// final run events drain before the tracer flushes its spans. The
// metrics endpoint keeps serving; scrapers may still want the last
// values.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// Flush pushes pending spans to the exporter without shutting down.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer exposes the Prometheus endpoint if metrics are
// enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// InstrumentedContext ties together the span, logger, and timer for
// one operation. Produced by StartOperation, closed by End.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation opens a span named after the operation and returns a
// logger already carrying the operation and trace IDs. Without
// telemetry on the context it degrades to a plain logger and timer.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{Ctx: ctx, Logger: FromContext(ctx), Timer: NewTimer()}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	logger := tel.Logger.WithField("operation", operation)
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End closes the operation, recording err as its outcome.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

// scope holds the span and timer opened by a With*Context call so the
// matching End*Context can close them.
type scope struct {
	span  trace.Span
	timer *Timer
}

type runScopeKey struct{}
type widgetScopeKey struct{}

// WithRunContext opens the run span, seeds the logger with the run ID
// and action, bumps the run counter, and publishes the started event.
// Pair with EndRunContext.
func WithRunContext(ctx context.Context, runID, rootID, action string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID, action)

	logger := tel.Logger.WithRunID(runID).WithField("action", action)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordRunStarted(action)
	_ = tel.Events.PublishRunStarted(spanCtx, runID, rootID, action)

	return context.WithValue(spanCtx, runScopeKey{}, &scope{span: span, timer: NewTimer()})
}

// EndRunContext closes the run opened by WithRunContext, recording the
// final status on the span, the duration metric, and the terminal
// event.
func EndRunContext(ctx context.Context, runID, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	var duration time.Duration
	if sc, ok := ctx.Value(runScopeKey{}).(*scope); ok {
		duration = sc.timer.Duration()
		SetAttributes(sc.span, AttrRunStatus.String(status))
		if err != nil {
			RecordError(sc.span, err)
		} else {
			RecordSuccess(sc.span)
		}
		sc.span.End()
	}

	tel.Metrics.RecordRunCompleted(status, duration)

	if err != nil {
		_ = tel.Events.PublishRunFailed(ctx, runID, err.Error())
	} else {
		_ = tel.Events.PublishRunCompleted(ctx, runID, status, duration)
	}
}

// WithWidgetContext opens the widget span and logger scope inside a
// run. Pair with EndWidgetContext.
func WithWidgetContext(ctx context.Context, runID, widgetID, slug, action string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartWidgetSpan(ctx, widgetID, action)
	SetAttributes(span, AttrWidgetSlug.String(slug))

	logger := tel.Logger.
		WithRunID(runID).
		WithWidgetID(widgetID).
		WithField("slug", slug).
		WithField("action", action)
	spanCtx = logger.WithContext(spanCtx)

	_ = tel.Events.PublishWidgetStarted(spanCtx, runID, widgetID, action)

	return context.WithValue(spanCtx, widgetScopeKey{}, &scope{span: span, timer: NewTimer()})
}

// EndWidgetContext closes the widget scope, recording the result kind
// on the span and the execution histogram.
func EndWidgetContext(ctx context.Context, runID, widgetID, slug, action, result string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	var duration time.Duration
	if sc, ok := ctx.Value(widgetScopeKey{}).(*scope); ok {
		duration = sc.timer.Duration()
		SetAttributes(sc.span, AttrResultKind.String(result))
		if err != nil {
			RecordError(sc.span, err)
		} else {
			RecordSuccess(sc.span)
		}
		sc.span.End()
	}

	tel.Metrics.RecordWidgetExecution(action, result, duration, slug)

	if err != nil {
		_ = tel.Events.PublishWidgetFailed(ctx, runID, widgetID, err.Error())
	} else {
		_ = tel.Events.PublishWidgetCompleted(ctx, runID, widgetID, duration)
	}
}

// WithRuntimeContext tags the context logger with the transformation
// runtime handling subsequent work.
func WithRuntimeContext(ctx context.Context, runtimeName, runtimeVersion string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}
	return tel.Logger.WithRuntime(runtimeName, runtimeVersion).WithContext(ctx)
}

// RecordTransformerOperation wraps one transformer invocation in a
// span and call/error metrics, returning fn's error unchanged.
func RecordTransformerOperation(ctx context.Context, edgeID, contentType, operation string, fn func() error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn()
	}

	_, span := tel.Tracer.StartTransformSpan(ctx, edgeID, contentType)
	defer span.End()

	timer := NewTimer()
	err := fn()

	tel.Metrics.RecordTransformerCall(contentType, operation, timer.Duration())
	if err != nil {
		tel.Metrics.RecordTransformerError(contentType, operation)
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}

	return err
}
