package telemetry

import (
	"fmt"
	"time"
)

// Config is the root telemetry configuration. The zero value is not
// usable; start from DefaultConfig and override individual fields.
type Config struct {
	// ServiceName and ServiceVersion identify this process in logs,
	// traces, and metrics.
	ServiceName    string
	ServiceVersion string

	// Environment names the deployment environment, typically
	// development, staging, or production.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// ResourceAttributes are merged into the OpenTelemetry resource
	// attached to every exported span.
	ResourceAttributes map[string]string
}

// LoggingConfig controls the zerolog-backed structured logger.
type LoggingConfig struct {
	// Level is the minimum level written. One of trace, debug, info,
	// warn, error, fatal.
	Level string

	// Format selects console (human readable) or json output.
	Format string

	// Output is stdout, stderr, or a file path.
	Output string

	// EnableCaller annotates each entry with its file:line origin.
	EnableCaller bool

	// EnableSampling drops repeated entries under load. The first
	// SamplingInitial entries per second always pass; after that, one
	// in every SamplingThereafter is kept.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	// TimeFormat is unix or rfc3339.
	TimeFormat string
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout, or none. With none, spans are still
	// created (so trace IDs show up in logs) but nothing leaves the
	// process.
	Exporter string

	// Endpoint is the OTLP collector address as host:port.
	Endpoint string

	// SamplingRate is the fraction of new traces to record, 0.0 to
	// 1.0. Child spans follow their parent's decision.
	SamplingRate float64

	// MaxExportBatchSize and ExportTimeout tune the batch span
	// processor.
	MaxExportBatchSize int
	ExportTimeout      time.Duration

	// Headers are sent with every OTLP export request.
	Headers map[string]string

	// Insecure disables TLS on the collector connection.
	Insecure bool
}

// MetricsConfig controls the Prometheus registry and its scrape
// endpoint.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress and Path locate the scrape endpoint, typically
	// ":9090" and "/metrics".
	ListenAddress string
	Path          string

	// Namespace prefixes every metric name.
	Namespace string

	// DefaultHistogramBuckets are the latency buckets, in seconds,
	// used by duration histograms.
	DefaultHistogramBuckets []float64
}

// EventsConfig controls the in-process event bus.
type EventsConfig struct {
	Enabled bool

	// BufferSize bounds the async publish queue. Publishing to a full
	// queue drops the event rather than blocking the caller.
	BufferSize int

	// EnableAsync delivers events from a background goroutine instead
	// of on the publisher's goroutine.
	EnableAsync bool
}

// DefaultConfig returns the configuration used when nothing else is
// specified: console logs on stderr, tracing and metrics off, events
// on.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "slateboard",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			EnableCaller:       true,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "stdout",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "slateboard",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
		ResourceAttributes: make(map[string]string),
	}
}

// ProductionConfig is DefaultConfig hardened for production: JSON logs
// with sampling, OTLP tracing at 10%, and the Prometheus endpoint on.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	cfg.Metrics.Enabled = true
	return cfg
}

// DevelopmentConfig is DefaultConfig tuned for local work: debug
// logs, with the stdout exporter preselected for anyone who flips
// tracing on.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Tracing.Exporter = "stdout"
	cfg.Tracing.SamplingRate = 1.0
	return cfg
}

// Validate reports the first problem it finds with the configuration.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name must not be empty")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service version must not be empty")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q (want console or json)", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			return fmt.Errorf("unknown trace exporter %q", c.Tracing.Exporter)
		}
	}

	if r := c.Tracing.SamplingRate; r < 0 || r > 1 {
		return fmt.Errorf("trace sampling rate %v outside [0, 1]", r)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics enabled without a listen address")
	}

	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size %d must be positive", c.Events.BufferSize)
	}

	return nil
}
