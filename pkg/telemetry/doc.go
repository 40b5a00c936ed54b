// Package telemetry wires structured logging, distributed tracing,
// Prometheus metrics, and event publishing into one handle the rest of
// the engine can carry on a context.
//
// Logging is zerolog, tracing is OpenTelemetry, metrics are Prometheus
// client_golang, and events are an in-process buffered fan-out that
// implements engine.EventPublisher.
//
// # Setup
//
// Build everything once at startup and push it onto the context:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "slateboard"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx = tel.WithContext(ctx)
//
// DevelopmentConfig and ProductionConfig are DefaultConfig with the
// knobs most people turn already turned: debug console logs for the
// former, sampled JSON logs plus OTLP tracing and the metrics endpoint
// for the latter.
//
// # Logging
//
// Loggers derive: each With* call returns a new logger with the extra
// field baked in.
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger = logger.WithRunID("run-123").WithWidgetID("sticky-note-4")
//	logger.Info("Starting widget execution")
//	logger.WithError(err).Error("Execution failed")
//
// Components that want a plain zerolog.Logger unwrap it:
//
//	registry := transform.NewRegistry(tel.Logger.Zerolog())
//
// # Tracing
//
// Spans come from the tracer on the handle; the Attr* keys keep
// attribute names consistent across call sites:
//
//	ctx, span := tel.Tracer.Start(ctx, "operation.name")
//	defer span.End()
//
//	span.SetAttributes(
//	    telemetry.AttrWidgetID.String(widgetID),
//	    telemetry.AttrAction.String("refresh"),
//	)
//	span.AddEvent("inputs.assembled")
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Exporters: otlp for production, stdout for poking around locally,
// none to sample without exporting.
//
// # Metrics
//
// The Metrics component pre-registers counters, histograms, and gauges
// for runs, widgets, and transformers, and serves them over HTTP
// (default :9090/metrics). The families:
//
//   - slateboard_runs_started_total{action}
//   - slateboard_runs_completed_total{status}
//   - slateboard_run_duration_seconds{status}
//   - slateboard_active_runs
//   - slateboard_widget_executions_total{action,result}
//   - slateboard_widget_execution_duration_seconds{action,slug}
//   - slateboard_board_widgets{slug,state}
//   - slateboard_transformer_calls_total{content_type,operation}
//   - slateboard_transformer_call_duration_seconds{content_type,operation}
//   - slateboard_transformer_errors_total{content_type,operation}
//   - slateboard_errors_by_class_total{class}
//   - slateboard_errors_by_code_total{code}
//
// # Events
//
// The event bus plugs straight into engine.Config. Subscribers get a
// channel and an optional filter:
//
//	ch, err := tel.Events.Subscribe(ctx, telemetry.FilterByLevel("warning"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for event := range ch {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}
//
// A subscription ends when its context is cancelled or Unsubscribe is
// called with the channel. Delivery never blocks: a subscriber that
// stops draining misses events rather than stalling the others.
//
// # Instrumentation helpers
//
// The With*/End* pairs cover the common shapes so call sites do not
// juggle spans, timers, metrics, and events by hand:
//
//	ic := telemetry.StartOperation(ctx, "board.load",
//	    telemetry.AttrWidgetID.String(widgetID))
//	defer ic.End(err)
//	ic.Logger.Info("Loading board")
//
//	ctx = telemetry.WithRunContext(ctx, runID, rootID, action)
//	defer telemetry.EndRunContext(ctx, runID, status, err)
//
//	ctx = telemetry.WithWidgetContext(ctx, runID, widgetID, slug, action)
//	defer telemetry.EndWidgetContext(ctx, runID, widgetID, slug, action, result, err)
//
//	err := telemetry.RecordTransformerOperation(ctx, edgeID, "wasm", "transform", func() error {
//	    return transformer.Transform(ctx, req)
//	})
//
// # Shutdown
//
// Shutdown drains the event bus and flushes pending spans; give it a
// deadline:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// One caution: widget inputs can carry secrets, so log widget input
// values nowhere, at any level.
package telemetry
