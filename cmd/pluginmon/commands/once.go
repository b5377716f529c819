package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pluginmon/pluginmon/pkg/runtime"
	"github.com/pluginmon/pluginmon/pkg/sink"
)

func newOnceCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run every plugin exactly once",
		Long: `Run a single cycle: discover, load and run every plugin, publish to the
configured sinks, then exit.

With --strict the command fails when any plugin failed to load or run.
With --json the cycle is printed as the same document the git sink writes.`,
		Example: `  # Try out the plugins in a directory
  pluginmon once --dir ./plugins -v

  # Use in CI or cron, failing on any plugin error
  pluginmon once --strict --sink-sqlite /var/lib/pluginmon/status.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := map[string]string{}
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
			publishers, closeSinks, err := openSinks(ctx, cfg, tel)
			if err != nil {
				return err
			}
			defer closeSinks()

			var reporter runtime.Reporter = newReporter(cmd, cfg, tel)
			if jsonOutput {
				reporter = runtime.NewLogReporter(tel.Logger)
			}

			s := runtime.NewScheduler(cfg.Scheduler(),
				runtime.WithTelemetry(tel),
				runtime.WithReporter(reporter),
				runtime.WithPublishers(publishers...),
			)
			report, err := s.RunCycle(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				payload := sink.FromOutcomes(report.ID, report.Number, report.StartedAt, report.Outcomes, report.LoadFailures)
				data, err := payload.MarshalIndent()
				if err != nil {
					return err
				}
				if _, err := cmd.OutOrStdout().Write(data); err != nil {
					return err
				}
			}

			if strict {
				if failed := report.Failed() + len(report.LoadFailures); failed > 0 {
					return fmt.Errorf("%d of %d plugins failed", failed, report.Discovered)
				}
			}
			return nil
		},
	}

	addSchedulerFlags(cmd)
	addSinkFlags(cmd)
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero if any plugin fails")

	return cmd
}
