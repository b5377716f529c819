package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pluginmon/pluginmon/pkg/discovery"
	"github.com/pluginmon/pluginmon/pkg/runtime"
	"github.com/pluginmon/pluginmon/pkg/sink"
	"github.com/pluginmon/pluginmon/pkg/stores"
	"github.com/pluginmon/pluginmon/pkg/telemetry"
)

// DefaultPluginDir is the plugin directory used when none is configured.
const DefaultPluginDir = "./plugins"

// DefaultWatchDebounce is the quiet period after a directory change before
// the scheduler is woken.
const DefaultWatchDebounce = 250 * time.Millisecond

// Config is the effective configuration of the plugin monitor.
type Config struct {
	// PluginDir is the directory scanned each cycle.
	PluginDir string `mapstructure:"plugin_dir" yaml:"plugin_dir" validate:"required"`

	// Interval is the idle time between cycles.
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`

	// Watch ends the idle sleep early when the plugin directory changes.
	Watch bool `mapstructure:"watch" yaml:"watch"`

	// WatchDebounce is the quiet period before a change wakes the scheduler.
	WatchDebounce time.Duration `mapstructure:"watch_debounce" yaml:"watch_debounce" validate:"gte=0"`

	// Extensions overrides the discovery filter, e.g. [".star"].
	Extensions []string `mapstructure:"extensions" yaml:"extensions,omitempty" validate:"dive,startswith=."`

	// Verbose prints every successful load.
	Verbose bool `mapstructure:"verbose" yaml:"verbose"`

	// Config holds the logging, tracing and metrics settings. Its keys sit
	// at the top level of the file.
	telemetry.Config `mapstructure:",squash" yaml:",inline"`

	// Sinks receive each completed cycle.
	Sinks SinksConfig `mapstructure:"sinks" yaml:"sinks"`
}

// SinksConfig configures the downstream sinks.
type SinksConfig struct {
	Git    GitSinkConfig    `mapstructure:"git" yaml:"git"`
	SQLite SQLiteSinkConfig `mapstructure:"sqlite" yaml:"sqlite"`
}

// GitSinkConfig configures the git context-file sink.
type GitSinkConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// RepoDir is the local checkout the file is written to.
	RepoDir string `mapstructure:"repo_dir" yaml:"repo_dir" validate:"required_if=Enabled true"`

	File      string `mapstructure:"file" yaml:"file"`
	Remote    string `mapstructure:"remote" yaml:"remote"`
	RemoteURL string `mapstructure:"remote_url" yaml:"remote_url"`
	Branch    string `mapstructure:"branch" yaml:"branch"`
}

// SQLiteSinkConfig configures the SQLite status sink.
type SQLiteSinkConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Path is the database file.
	Path string `mapstructure:"path" yaml:"path" validate:"required_if=Enabled true"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		PluginDir:     DefaultPluginDir,
		Interval:      runtime.DefaultInterval,
		WatchDebounce: DefaultWatchDebounce,
		Config:        *telemetry.DefaultConfig(),
		Sinks: SinksConfig{
			Git: GitSinkConfig{
				File:   sink.DefaultGitFile,
				Remote: sink.DefaultGitRemote,
				Branch: sink.DefaultGitBranch,
			},
			SQLite: SQLiteSinkConfig{
				Path: "pluginmon.db",
			},
		},
	}
}

var validate = validator.New()

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	// Field is the namespaced field, e.g. "Config.Sinks.Git.RepoDir".
	Field string

	// Message is the error message.
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks struct tags and the telemetry settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		errs := make([]error, 0, len(verrs))
		for _, fe := range verrs {
			errs = append(errs, ValidationError{Field: fe.Namespace(), Message: describe(fe)})
		}
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	if err := c.Config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when %s", strings.Replace(fe.Param(), " ", " is ", 1))
	case "oneof":
		return fmt.Sprintf("%q must be one of: %s", fe.Value(), fe.Param())
	case "gt", "gte", "lte":
		return fmt.Sprintf("must be %s %s", fe.Tag(), fe.Param())
	case "startswith":
		return fmt.Sprintf("%q must start with %q", fe.Value(), fe.Param())
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

// YAML renders the configuration as a YAML document.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// WriteFile writes the configuration to path as YAML. An existing file is
// left untouched unless overwrite is set.
func (c *Config) WriteFile(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}

	data, err := c.YAML()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Scheduler returns the scheduler settings.
func (c *Config) Scheduler() runtime.Config {
	return runtime.Config{
		Dir:        c.PluginDir,
		Interval:   c.Interval,
		Extensions: c.Extensions,
	}
}

// DiscoveryOptions returns the discovery filter settings.
func (c *Config) DiscoveryOptions() []discovery.Option {
	return []discovery.Option{discovery.WithExtensions(c.Extensions...)}
}

// Git returns the git sink settings.
func (c *Config) Git() sink.GitConfig {
	return sink.GitConfig{
		RepoDir:   c.Sinks.Git.RepoDir,
		File:      c.Sinks.Git.File,
		Remote:    c.Sinks.Git.Remote,
		RemoteURL: c.Sinks.Git.RemoteURL,
		Branch:    c.Sinks.Git.Branch,
	}
}

// Store returns the SQLite sink settings.
func (c *Config) Store() stores.Config {
	return stores.Config{Path: c.Sinks.SQLite.Path}
}
