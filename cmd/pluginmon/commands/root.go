package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pluginmon/pluginmon/pkg/config"
	"github.com/pluginmon/pluginmon/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	logLevel   string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pluginmon",
		Short: "pluginmon - periodic plugin runner",
		Long: `pluginmon watches a directory of plugin files and, every interval, loads
each one and calls its run function. A failing plugin never stops the others.

Supported plugins:
  - Starlark scripts (*.star) defining run()
  - WebAssembly modules (*.wasm) exporting run

Results are printed as they arrive and can also be pushed to a git
repository or recorded in SQLite.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./pluginmon.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "report every successful plugin load")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newOnceCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newStatusCommand())

	return rootCmd
}

// globalFlagKeys maps config keys to the persistent flags.
var globalFlagKeys = map[string]string{
	"logging.level": "log-level",
	"verbose":       "verbose",
}

// loadConfig loads the configuration with the command's flags bound on top.
// keys maps config keys to flag names of cmd.
func loadConfig(cmd *cobra.Command, keys map[string]string) (*config.Config, error) {
	loader, err := config.NewLoader()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	for key, name := range globalFlagKeys {
		if f := flags.Lookup(name); f != nil && f.Changed {
			if err := loader.BindFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	if err := loader.BindFlags(flags, keys); err != nil {
		return nil, err
	}

	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// newTelemetry builds telemetry for cfg and stores it in the command context.
func newTelemetry(cmd *cobra.Command, cfg *config.Config) (*telemetry.Telemetry, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	cmd.SetContext(tel.WithContext(cmd.Context()))
	return tel, nil
}
