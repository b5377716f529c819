package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the plugin runtime. A Metrics
// created with a disabled config accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Cycle metrics
	cyclesTotal   prometheus.Counter
	cycleDuration prometheus.Histogram
	registrySize  prometheus.Gauge

	// Plugin metrics
	pluginRuns        *prometheus.CounterVec
	pluginRunDuration *prometheus.HistogramVec
	loadFailures      *prometheus.CounterVec

	// Sink metrics
	sinkPublishes *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cyclesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Total number of completed scheduler cycles",
			},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of a scheduler cycle in seconds, excluding the idle sleep",
				Buckets:   buckets,
			},
		),
		registrySize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registry_size",
				Help:      "Number of plugins registered in the latest cycle",
			},
		),

		pluginRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_runs_total",
				Help:      "Total number of plugin run invocations",
			},
			[]string{"plugin", "status"},
		),
		pluginRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plugin_run_duration_seconds",
				Help:      "Duration of plugin run invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"plugin"},
		),
		loadFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "load_failures_total",
				Help:      "Total number of plugin units that failed to load",
			},
			[]string{"kind"},
		),

		sinkPublishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_publish_total",
				Help:      "Total number of cycle results published to sinks",
			},
			[]string{"sink", "status"},
		),
	}

	registry.MustRegister(
		m.cyclesTotal,
		m.cycleDuration,
		m.registrySize,
		m.pluginRuns,
		m.pluginRunDuration,
		m.loadFailures,
		m.sinkPublishes,
	)

	return m, nil
}

// Enabled reports whether metrics are being collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// RecordCycle records a completed cycle.
func (m *Metrics) RecordCycle(duration time.Duration, registered int) {
	if !m.Enabled() {
		return
	}
	m.cyclesTotal.Inc()
	m.cycleDuration.Observe(duration.Seconds())
	m.registrySize.Set(float64(registered))
}

// RecordPluginRun records one run invocation and its outcome status.
func (m *Metrics) RecordPluginRun(plugin, status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.pluginRuns.WithLabelValues(plugin, status).Inc()
	m.pluginRunDuration.WithLabelValues(plugin).Observe(duration.Seconds())
}

// RecordLoadFailure records a unit excluded from the registry, labelled by
// error kind.
func (m *Metrics) RecordLoadFailure(kind string) {
	if !m.Enabled() {
		return
	}
	m.loadFailures.WithLabelValues(kind).Inc()
}

// RecordSinkPublish records a sink publish attempt.
func (m *Metrics) RecordSinkPublish(sink, status string) {
	if !m.Enabled() {
		return
	}
	m.sinkPublishes.WithLabelValues(sink, status).Inc()
}

// Registry returns the underlying Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer exposes the metrics endpoint until ctx is cancelled.
// The listener is bound before returning so address errors surface
// immediately; serve errors after that are logged.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) error {
	if !m.Enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Infof("serving metrics on %s%s", ln.Addr(), path)
	return nil
}
