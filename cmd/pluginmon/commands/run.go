package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pluginmon/pluginmon/pkg/config"
	"github.com/pluginmon/pluginmon/pkg/discovery"
	"github.com/pluginmon/pluginmon/pkg/runtime"
	"github.com/pluginmon/pluginmon/pkg/telemetry"
)

// addSchedulerFlags registers the plugin directory flags shared by the
// commands that load plugins.
func addSchedulerFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("dir", "d", config.DefaultPluginDir, "plugin directory")
	cmd.Flags().StringSlice("ext", nil, "plugin file extensions to load (default .star and .wasm)")
}

var schedulerFlagKeys = map[string]string{
	"plugin_dir": "dir",
	"extensions": "ext",
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run plugins forever",
		Long: `Run all plugins in the plugin directory, sleep, and repeat until interrupted.

Every cycle rediscovers the directory and reloads each plugin from scratch, so
added, edited and deleted files take effect on the next cycle. A plugin that
fails to load or run is reported and the rest still run.

SIGINT or SIGTERM stops the monitor after the plugin currently running.`,
		Example: `  # Run plugins from ./plugins every 5 seconds
  pluginmon run

  # Run every minute, waking early when a plugin file changes
  pluginmon run --dir /srv/plugins --interval 1m --watch

  # Serve Prometheus metrics and push results to a git repository
  pluginmon run --metrics --sink-git ./context --sink-git-remote git@example.com:me/context.git`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := map[string]string{
				"interval":        "interval",
				"watch":           "watch",
				"metrics.enabled": "metrics",
			}
			for k, v := range schedulerFlagKeys {
				keys[k] = v
			}
			for k, v := range sinkFlagKeys {
				keys[k] = v
			}

			cfg, err := loadConfig(cmd, keys)
			if err != nil {
				return err
			}
			enableFlaggedSinks(cmd, cfg)

			return runMonitor(cmd, cfg)
		},
	}

	addSchedulerFlags(cmd)
	addSinkFlags(cmd)
	cmd.Flags().DurationP("interval", "i", runtime.DefaultInterval, "time between cycles")
	cmd.Flags().BoolP("watch", "w", false, "start the next cycle early when plugin files change")
	cmd.Flags().Bool("metrics", false, "serve Prometheus metrics")

	return cmd
}

func runMonitor(cmd *cobra.Command, cfg *config.Config) error {
	tel, err := newTelemetry(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	ctx := cmd.Context()
	logger := tel.Logger.NewComponentLogger("cli")

	if err := tel.StartMetricsServer(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	publishers, closeSinks, err := openSinks(ctx, cfg, tel)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSinks(); err != nil {
			logger.WithError(err).Warn("failed to close sinks")
		}
	}()

	reporter := newReporter(cmd, cfg, tel)
	opts := []runtime.Option{
		runtime.WithTelemetry(tel),
		runtime.WithReporter(reporter),
		runtime.WithPublishers(publishers...),
	}

	if cfg.Watch {
		watcher, err := startWatcher(ctx, cfg, tel, reporter)
		if err != nil {
			return err
		}
		if watcher != nil {
			defer watcher.Close()
			opts = append(opts, runtime.WithWake(watcher.Changes()))
		}
	}

	return runtime.NewScheduler(cfg.Scheduler(), opts...).Run(ctx)
}

// newReporter returns the console reporter, paired with a structured log
// reporter when logs are JSON.
func newReporter(cmd *cobra.Command, cfg *config.Config, tel *telemetry.Telemetry) runtime.Reporter {
	console := runtime.NewConsoleReporter(cmd.OutOrStdout(), cfg.Verbose)
	if cfg.Logging.Format != "json" {
		return console
	}
	return runtime.MultiReporter{console, runtime.NewLogReporter(tel.Logger)}
}

// startWatcher watches the plugin directory. The directory is created first
// because fsnotify cannot watch a missing path. A directory that cannot be
// created is left for the scheduler to report.
func startWatcher(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, reporter runtime.Reporter) (*discovery.Watcher, error) {
	opts := append(cfg.DiscoveryOptions(), discovery.WithLogger(tel.Logger.Zerolog()))
	d := discovery.New(cfg.PluginDir, opts...)

	res, err := d.Discover()
	if err != nil {
		tel.Logger.WithError(err).Warn("not watching plugin directory")
		return nil, nil
	}
	if res.Created {
		reporter.DirectoryCreated(d.Dir())
	}

	watcher, err := discovery.NewWatcher(d, cfg.WatchDebounce)
	if err != nil {
		return nil, fmt.Errorf("failed to watch plugin directory: %w", err)
	}
	watcher.Start(ctx)
	return watcher, nil
}
