package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/pluginmon/pluginmon/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [plugin...]",
		Short: "Show the latest outcome of each plugin",
		Long: `Print the latest outcome of every plugin recorded by the SQLite sink,
or only of the named plugins.

The database path comes from sinks.sqlite.path or --db.`,
		Example: `  pluginmon status --db /var/lib/pluginmon/status.db
  pluginmon status weather news`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, map[string]string{"sinks.sqlite.path": "db"})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 0 {
				statuses, err := store.ListPluginStatus(ctx)
				if err != nil {
					return fmt.Errorf("failed to list plugin status: %w", err)
				}
				return printStatus(cmd, statuses)
			}

			statuses := make([]*stores.PluginStatus, 0, len(args))
			for _, name := range args {
				status, err := store.GetPluginStatus(ctx, name)
				if err != nil {
					return err
				}
				statuses = append(statuses, status)
			}
			return printStatus(cmd, statuses)
		},
	}

	cmd.Flags().String("db", "", "SQLite database written by the sqlite sink")
	return cmd
}

func printStatus(cmd *cobra.Command, statuses []*stores.PluginStatus) error {
	out := cmd.OutOrStdout()

	if jsonOutput {
		data, err := json.MarshalIndent(statuses, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(statuses) == 0 {
		fmt.Fprintln(out, "No plugin status recorded")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Plugin", "Status", "Stage", "Result", "Duration", "Updated")
	for _, s := range statuses {
		result := ""
		switch {
		case s.Value != nil:
			result = *s.Value
		case s.Error != nil:
			result = *s.Error
		}
		if err := table.Append(
			s.Name,
			string(s.Status),
			s.Stage,
			result,
			(time.Duration(s.DurationMS) * time.Millisecond).String(),
			s.UpdatedAt.Local().Format(time.DateTime),
		); err != nil {
			return err
		}
	}
	return table.Render()
}
