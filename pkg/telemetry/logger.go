package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/pluginmon/pluginmon/pkg/plugin"
)

// Logger wraps zerolog.Logger with plugin-runtime fields.
type Logger struct {
	zlog   zerolog.Logger
	config LoggingConfig
	closer io.Closer
}

type loggerContextKey struct{}

// NewLogger creates a logger writing to cfg.Output: "stderr" (or empty),
// "stdout", or a file path opened for append.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	switch cfg.Output {
	case "", "stderr":
		return NewLoggerWithWriter(cfg, os.Stderr), nil
	case "stdout":
		return NewLoggerWithWriter(cfg, os.Stdout), nil
	}

	f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l := NewLoggerWithWriter(cfg, f)
	l.closer = f
	return l, nil
}

// NewLoggerWithWriter creates a logger that writes to w instead of the
// configured output.
func NewLoggerWithWriter(cfg LoggingConfig, w io.Writer) *Logger {
	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat(cfg.TimeFormat)}
	}

	ctx := zerolog.New(w).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	zlog := ctx.Logger().Level(level(cfg.Level))

	// High-frequency plugins at short intervals can flood the output.
	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}

	return &Logger{zlog: zlog, config: cfg}
}

// NopLogger returns a logger that discards everything.
func NopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Zerolog returns the underlying zerolog.Logger for packages that take one
// directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Close releases the log file, if the logger owns one.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// NewComponentLogger creates a child logger for a specific component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.derive(l.zlog.With().Str("component", component).Logger())
}

// WithContext adds the logger to the context.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext retrieves the logger from the context, or a logger that
// discards everything.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return NopLogger()
}

// WithFields returns a logger carrying every key in fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	return l.derive(l.zlog.With().Fields(fields).Logger())
}

// WithField returns a logger carrying key.
func (l *Logger) WithField(key string, value any) *Logger {
	return l.derive(l.zlog.With().Interface(key, value).Logger())
}

// WithCycle adds the cycle identity to the logger.
func (l *Logger) WithCycle(cycleID string, number int) *Logger {
	return l.derive(l.zlog.With().
		Str("cycle_id", cycleID).
		Int("cycle", number).
		Logger())
}

// WithPlugin adds the plugin name to the logger.
func (l *Logger) WithPlugin(name string) *Logger {
	return l.WithField("plugin", name)
}

// WithOutcome adds a plugin outcome's identity, duration and, for failures,
// its classification.
func (l *Logger) WithOutcome(o plugin.Outcome) *Logger {
	ctx := l.zlog.With().
		Str("plugin", o.Name).
		Str("stage", string(o.Stage)).
		Dur("duration", o.Duration)
	if !o.OK() {
		ctx = ctx.Str("error_kind", string(plugin.KindOf(o.Err))).Err(o.Err)
	}
	return l.derive(ctx.Logger())
}

// WithError adds error information to the logger.
func (l *Logger) WithError(err error) *Logger {
	return l.derive(l.zlog.With().Err(err).Logger())
}

// Leveled output. The f variants format like fmt.Sprintf.

func (l *Logger) Debug(msg string)                  { l.zlog.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, args ...any) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Info(msg string)                   { l.zlog.Info().Msg(msg) }
func (l *Logger) Infof(format string, args ...any)  { l.zlog.Info().Msgf(format, args...) }
func (l *Logger) Warn(msg string)                   { l.zlog.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, args ...any)  { l.zlog.Warn().Msgf(format, args...) }
func (l *Logger) Error(msg string)                  { l.zlog.Error().Msg(msg) }

func (l *Logger) derive(zlog zerolog.Logger) *Logger {
	return &Logger{zlog: zlog, config: l.config}
}

// level parses a configured level, defaulting to info.
func level(name string) zerolog.Level {
	l, err := zerolog.ParseLevel(name)
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "unixmicro":
		return zerolog.TimeFormatUnixMicro
	default:
		return time.RFC3339
	}
}

func consoleTimeFormat(format string) string {
	switch format {
	case "kitchen":
		return time.Kitchen
	case "unix", "unixms", "unixmicro":
		return time.TimeOnly
	default:
		return time.RFC3339
	}
}
