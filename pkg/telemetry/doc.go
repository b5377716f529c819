// Package telemetry provides logging, tracing and metrics for the plugin
// runtime.
//
// Logging is built on zerolog, tracing on OpenTelemetry and metrics on the
// Prometheus client. All three are bundled in Telemetry:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(ctx); err != nil {
//	    return err
//	}
//
// # Logging
//
// Loggers carry the cycle and plugin identity as fields:
//
//	log := tel.Logger.NewComponentLogger("scheduler").WithCycle(cycleID, 3)
//	log.WithPlugin("weather").Info("plugin loaded")
//
// Packages that accept a plain zerolog.Logger get it through Logger.Zerolog.
//
// # Tracing
//
// Every cycle is a "cycle.execute" span; each load and run below it is a
// "plugin.load" or "plugin.run" span. Exporters: "otlp", "stdout", "none".
// Tracing is disabled by default.
//
// # Metrics
//
// Exposed when Metrics.Enabled is set (default :9090/metrics):
//
//   - pluginmon_cycles_total
//   - pluginmon_cycle_duration_seconds
//   - pluginmon_registry_size
//   - pluginmon_plugin_runs_total{plugin,status}
//   - pluginmon_plugin_run_duration_seconds{plugin}
//   - pluginmon_load_failures_total{kind}
//   - pluginmon_sink_publish_total{sink,status}
package telemetry
