package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/pluginmon/pluginmon/pkg/discovery"
	"github.com/pluginmon/pluginmon/pkg/loader"
	"github.com/pluginmon/pluginmon/pkg/plugin"
	"github.com/pluginmon/pluginmon/pkg/registry"
	"github.com/pluginmon/pluginmon/pkg/runtime"
)

// pluginInfo is one row of the list output.
type pluginInfo struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Path   string `json:"path"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plugins and whether they load",
		Long: `Discover and load every plugin without calling run.

Loading executes a Starlark file's top-level statements and a WASM module's
start function, so list reports the same load errors a cycle would.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, schedulerFlagKeys)
			if err != nil {
				return err
			}
			tel, err := newTelemetry(cmd, cfg)
			if err != nil {
				return err
			}
			defer tel.Logger.Close()

			zlog := tel.Logger.Zerolog()
			opts := append(cfg.DiscoveryOptions(), discovery.WithLogger(zlog))
			sources, err := discovery.Discover(cfg.PluginDir, opts...)
			if err != nil {
				return err
			}

			mux := loader.NewDefaultMux(zlog)
			return printPlugins(cmd, inspect(cmd.Context(), mux, sources), mux.Kinds())
		},
	}

	addSchedulerFlags(cmd)
	return cmd
}

// inspect loads every source and reports which ones would be registered.
func inspect(ctx context.Context, l loader.Loader, sources []plugin.Source) []pluginInfo {
	results := make([]loader.Result, 0, len(sources))
	for _, src := range sources {
		p, err := runtime.Guard(func() (plugin.Plugin, error) {
			return l.Load(ctx, src)
		})
		results = append(results, loader.Result{Source: src, Plugin: p, Err: err})
	}

	reg := registry.Build(results)
	defer reg.Close(context.WithoutCancel(ctx))

	shadowed := make(map[string]bool)
	for _, e := range reg.Replaced() {
		shadowed[e.Source.Path] = true
	}

	infos := make([]pluginInfo, 0, len(results))
	for _, r := range results {
		info := pluginInfo{
			Name:   r.Source.Name,
			Kind:   string(r.Source.Kind),
			Path:   r.Source.Path,
			Status: "ok",
		}
		switch {
		case r.Err != nil && plugin.IsMissingCapability(r.Err):
			info.Status = "no run"
			info.Error = plugin.DetailOf(r.Err)
		case r.Err != nil:
			info.Status = "error"
			info.Error = plugin.DetailOf(r.Err)
		case shadowed[r.Source.Path]:
			info.Status = "shadowed"
		}
		infos = append(infos, info)
	}
	return infos
}

func printPlugins(cmd *cobra.Command, infos []pluginInfo, kinds []plugin.Kind) error {
	out := cmd.OutOrStdout()

	if jsonOutput {
		data, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	loaders := strings.Join(names, ", ")

	if len(infos) == 0 {
		fmt.Fprintf(out, "No plugins found (loaders: %s)\n", loaders)
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Name", "Kind", "Path", "Status", "Error")
	for _, info := range infos {
		if err := table.Append(info.Name, info.Kind, info.Path, info.Status, info.Error); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nTotal plugins: %d (loaders: %s)\n", len(infos), loaders)
	return nil
}
