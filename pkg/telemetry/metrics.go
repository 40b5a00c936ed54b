package telemetry

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the Prometheus registry and the engine's metric
// families. A disabled Metrics keeps every Record* method callable; the
// calls just do nothing.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	widgetExecutions *prometheus.CounterVec
	widgetDuration   *prometheus.HistogramVec
	boardWidgets     *prometheus.GaugeVec

	transformerCalls    *prometheus.CounterVec
	transformerDuration *prometheus.HistogramVec
	transformerErrors   *prometheus.CounterVec

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec
}

// NewMetrics builds the metric families on a fresh registry. With
// metrics disabled it returns a no-op instance.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Name: name, Help: help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Name: name, Help: help, Buckets: buckets,
		}, labels)
	}

	return &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted:   counter("runs_started_total", "Runs started", "action"),
		runsCompleted: counter("runs_completed_total", "Runs completed", "status"),
		runDuration:   histogram("run_duration_seconds", "Run duration in seconds", "status"),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "active_runs",
			Help:      "Runs currently executing",
		}),

		widgetExecutions: counter("widget_executions_total", "Widget executions", "action", "result"),
		widgetDuration:   histogram("widget_execution_duration_seconds", "Widget execution duration in seconds", "action", "slug"),
		boardWidgets: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "board_widgets",
			Help:      "Widgets on the board by kind and state",
		}, []string{"slug", "state"}),

		transformerCalls:    counter("transformer_calls_total", "Transformer invocations", "content_type", "operation"),
		transformerDuration: histogram("transformer_call_duration_seconds", "Transformer invocation duration in seconds", "content_type", "operation"),
		transformerErrors:   counter("transformer_errors_total", "Transformer invocation errors", "content_type", "operation"),

		errorsByClass: counter("errors_by_class_total", "Errors by classification", "class"),
		errorsByCode:  counter("errors_by_code_total", "Errors by code", "code"),
	}, nil
}

// RecordRunStarted counts a run start and bumps the active gauge.
func (m *Metrics) RecordRunStarted(action string) {
	if m.registry == nil {
		return
	}
	m.runsStarted.WithLabelValues(action).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted counts a finished run and observes its duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordWidgetExecution counts one widget execution attempt.
func (m *Metrics) RecordWidgetExecution(action, result string, duration time.Duration, slug string) {
	if m.registry == nil {
		return
	}
	m.widgetExecutions.WithLabelValues(action, result).Inc()
	m.widgetDuration.WithLabelValues(action, slug).Observe(duration.Seconds())
}

// SetWidgetCount reports how many widgets of one kind sit in a state.
func (m *Metrics) SetWidgetCount(slug, state string, count float64) {
	if m.registry == nil {
		return
	}
	m.boardWidgets.WithLabelValues(slug, state).Set(count)
}

// RecordTransformerCall counts a transformer invocation and its
// duration.
func (m *Metrics) RecordTransformerCall(contentType, operation string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.transformerCalls.WithLabelValues(contentType, operation).Inc()
	m.transformerDuration.WithLabelValues(contentType, operation).Observe(duration.Seconds())
}

// RecordTransformerError counts a failed transformer invocation.
func (m *Metrics) RecordTransformerError(contentType, operation string) {
	if m.registry == nil {
		return
	}
	m.transformerErrors.WithLabelValues(contentType, operation).Inc()
}

// RecordError counts an error by class and, when given, by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.registry == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the scrape endpoint in the background.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "metrics listener failed: %v\n", err)
		}
	}()

	return nil
}

// Timer measures elapsed time for duration observations.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
