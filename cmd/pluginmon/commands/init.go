package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pluginmon/pluginmon/pkg/config"
)

const samplePlugin = `# hello.star is called once per cycle. Edit or delete it, or add more
# *.star files next to it; changes are picked up on the next cycle.

def run():
    return "Hello from pluginmon"
`

func newInitCommand() *cobra.Command {
	var (
		dir   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a plugin directory and config file",
		Long: `Create the plugin directory with a sample hello.star plugin and write a
default pluginmon.yaml pointing at it.

Existing files are kept unless --force is given.`,
		Example: `  # Set up ./plugins and ./pluginmon.yaml
  pluginmon init

  # Use another plugin directory and config path
  pluginmon init --dir /srv/plugins --config /etc/pluginmon.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfgPath := configPath
			if cfgPath == "" {
				cfgPath = config.DefaultFileName
			}

			log.Debug().
				Str("dir", dir).
				Str("config", cfgPath).
				Msg("Initializing workspace")

			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
			fmt.Fprintf(out, "✓ Created directory: %s\n", dir)

			sample := filepath.Join(dir, "hello.star")
			if err := writeIfMissing(sample, []byte(samplePlugin), force); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return err
				}
				fmt.Fprintf(out, "• Kept existing plugin: %s\n", sample)
			} else {
				fmt.Fprintf(out, "✓ Created plugin: %s\n", sample)
			}

			cfg := config.Default()
			cfg.PluginDir = dir
			if _, err := os.Stat(cfgPath); err == nil && !force {
				fmt.Fprintf(out, "• Kept existing config: %s\n", cfgPath)
			} else {
				if err := cfg.WriteFile(cfgPath, true); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Created config: %s\n", cfgPath)
			}

			fmt.Fprintf(out, "\nRun the monitor with:\n  pluginmon run --config %s\n", cfgPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", config.DefaultPluginDir, "plugin directory to create")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}

// writeIfMissing writes data to path. It returns an os.ErrExist error when
// the file exists and overwrite is false.
func writeIfMissing(path string, data []byte, overwrite bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return err
		}
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
