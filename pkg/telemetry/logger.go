package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a thin wrapper over zerolog that carries the logging
// configuration so derived loggers inherit it.
type Logger struct {
	zlog   zerolog.Logger
	config LoggingConfig
}

type loggerKey struct{}

// NewLogger builds the root logger from cfg. Console format wraps the
// output in zerolog's ConsoleWriter; anything other than stdout or
// stderr as the output is treated as a file path and opened for
// append.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	writer, err := newLogWriter(cfg.Output)
	if err != nil {
		return nil, err
	}

	if cfg.Format == "console" {
		tf := time.RFC3339
		if cfg.TimeFormat == "unix" {
			tf = "unix"
		}
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: tf}
	}

	// TimeFieldFormat is a zerolog package global; last writer wins.
	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	case "unixmicro":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	zlog := zerolog.New(writer).Level(level).With().Timestamp().Logger()

	if cfg.EnableCaller {
		zlog = zlog.With().Caller().Logger()
	}

	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}

	return &Logger{zlog: zlog, config: cfg}, nil
}

func newLogWriter(output string) (io.Writer, error) {
	switch output {
	case "stdout":
		return os.Stdout, nil
	case "stderr", "":
		return os.Stderr, nil
	default:
		return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	}
}

// Zerolog returns the underlying zerolog.Logger for components that
// take one directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// child wraps a derived zerolog logger without losing the config.
func (l *Logger) child(z zerolog.Logger) *Logger {
	return &Logger{zlog: z, config: l.config}
}

// NewComponentLogger derives a logger tagged with a component name.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.child(l.zlog.With().Str("component", component).Logger())
}

// WithContext attaches the logger to ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger carried by ctx, or a bare stderr
// logger when there is none.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

// WithFields derives a logger with the given fields attached.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	lc := l.zlog.With()
	for k, v := range fields {
		lc = lc.Interface(k, v)
	}
	return l.child(lc.Logger())
}

// WithField derives a logger with one extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.child(l.zlog.With().Interface(key, value).Logger())
}

// WithRunID tags the logger with a run ID.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.WithField("run_id", runID)
}

// WithWidgetID tags the logger with a widget ID.
func (l *Logger) WithWidgetID(widgetID string) *Logger {
	return l.WithField("widget_id", widgetID)
}

// WithRuntime tags the logger with the transformation runtime in use.
func (l *Logger) WithRuntime(name, version string) *Logger {
	return l.child(l.zlog.With().
		Str("runtime_name", name).
		Str("runtime_version", version).
		Logger())
}

// WithError attaches an error to subsequent entries.
func (l *Logger) WithError(err error) *Logger {
	return l.child(l.zlog.With().Err(err).Logger())
}

// Trace logs at trace level.
func (l *Logger) Trace(msg string) { l.zlog.Trace().Msg(msg) }

// Debug logs at debug level.
func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }

// Info logs at info level.
func (l *Logger) Info(msg string) { l.zlog.Info().Msg(msg) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string) { l.zlog.Warn().Msg(msg) }

// Error logs at error level.
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

// Fatal logs at fatal level and exits the process.
func (l *Logger) Fatal(msg string) { l.zlog.Fatal().Msg(msg) }
