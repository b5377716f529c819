package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pluginmon/pluginmon/pkg/config"
	"github.com/pluginmon/pluginmon/pkg/sink"
	"github.com/pluginmon/pluginmon/pkg/stores"
	"github.com/pluginmon/pluginmon/pkg/telemetry"
)

// addSinkFlags registers the sink flags shared by run and once.
func addSinkFlags(cmd *cobra.Command) {
	cmd.Flags().String("sink-git", "", "publish each cycle to this git working tree")
	cmd.Flags().String("sink-git-remote", "", "remote URL added when the working tree has no remote")
	cmd.Flags().String("sink-sqlite", "", "record the latest status of each plugin in this SQLite database")
}

var sinkFlagKeys = map[string]string{
	"sinks.git.repo_dir":   "sink-git",
	"sinks.git.remote_url": "sink-git-remote",
	"sinks.sqlite.path":    "sink-sqlite",
}

// enableFlaggedSinks turns on the sinks named on the command line.
func enableFlaggedSinks(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("sink-git") {
		cfg.Sinks.Git.Enabled = true
	}
	if cmd.Flags().Changed("sink-sqlite") {
		cfg.Sinks.SQLite.Enabled = true
	}
}

// openSinks creates the enabled publishers. The returned function releases
// them.
func openSinks(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) ([]sink.Publisher, func() error, error) {
	var (
		publishers []sink.Publisher
		closers    []func() error
	)
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}

	if cfg.Sinks.SQLite.Enabled {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, store.Close)
		publishers = append(publishers, sink.NewStorePublisher(store))
	}

	if cfg.Sinks.Git.Enabled {
		git, err := sink.NewGitPublisher(cfg.Git(), sink.WithGitLogger(tel.Logger.Zerolog()))
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		publishers = append(publishers, git)
	}

	return publishers, closeAll, nil
}

// openStore opens and migrates the SQLite status database.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg.Store())
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}
