package telemetry

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the logging, tracing and metrics section of the pluginmon
// configuration.
type Config struct {
	// ServiceName identifies the process in spans and metrics.
	ServiceName string `mapstructure:"service_name" yaml:"service_name" validate:"required"`

	ServiceVersion string `mapstructure:"service_version" yaml:"service_version"`

	// Environment is attached to every span as "environment".
	Environment string `mapstructure:"environment" yaml:"environment"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`

	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig configures the zerolog output.
type LoggingConfig struct {
	// Level is the minimum level written.
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=trace debug info warn error fatal"`

	// Format is "console" for humans or "json" for collectors.
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=console json"`

	// Output is stderr, stdout or a file path.
	Output string `mapstructure:"output" yaml:"output"`

	EnableCaller bool `mapstructure:"enable_caller" yaml:"enable_caller"`

	// EnableSampling bursts SamplingInitial records per second, then keeps
	// one in SamplingThereafter.
	EnableSampling bool `mapstructure:"enable_sampling" yaml:"enable_sampling"`

	SamplingInitial int `mapstructure:"sampling_initial" yaml:"sampling_initial"`

	SamplingThereafter int `mapstructure:"sampling_thereafter" yaml:"sampling_thereafter"`

	// TimeFormat is rfc3339, kitchen, unix, unixms or unixmicro.
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// TracingConfig configures cycle and plugin spans.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Exporter is otlp (gRPC), stdout or none.
	Exporter string `mapstructure:"exporter" yaml:"exporter" validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP collector address, e.g. localhost:4317.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// SamplingRate is the fraction of cycles traced.
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`

	MaxExportBatchSize int `mapstructure:"max_export_batch_size" yaml:"max_export_batch_size" validate:"gte=0"`

	ExportTimeout time.Duration `mapstructure:"export_timeout" yaml:"export_timeout"`

	// Headers are sent with every OTLP export.
	Headers map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`

	Insecure bool `mapstructure:"insecure" yaml:"insecure"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address" validate:"required_if=Enabled true"`

	Path string `mapstructure:"path" yaml:"path"`

	// Namespace prefixes every metric name.
	Namespace string `mapstructure:"namespace" yaml:"namespace"`

	// DefaultHistogramBuckets are the cycle and run duration buckets, in
	// seconds.
	DefaultHistogramBuckets []float64 `mapstructure:"default_histogram_buckets" yaml:"default_histogram_buckets,omitempty"`
}

// DefaultConfig returns a default telemetry configuration. Tracing and the
// metrics endpoint are off; logging is human-readable on stderr.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "pluginmon",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			EnableCaller:       false,
			EnableSampling:     false,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "pluginmon",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
	}
}

// ProductionConfig returns JSON logs with sampling, 10% OTLP tracing and
// metrics enabled.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	cfg.Metrics.Enabled = true
	return cfg
}

var validate = newValidator()

// newValidator reports fields by their config key, e.g. logging.level.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks the configuration against its field constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fe := verrs[0]
	_, key, _ := strings.Cut(fe.Namespace(), ".")
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Errorf("telemetry: %s is required", key)
	case "oneof":
		return fmt.Errorf("telemetry: invalid %s %q (must be one of: %s)", key, fe.Value(), fe.Param())
	default:
		return fmt.Errorf("telemetry: invalid %s %v (%s=%s)", key, fe.Value(), fe.Tag(), fe.Param())
	}
}
