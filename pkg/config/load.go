package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. PLUGINMON_INTERVAL or
// PLUGINMON_LOGGING_LEVEL.
const EnvPrefix = "PLUGINMON"

// DefaultFileName is the config file looked up in the working directory when
// no path is given.
const DefaultFileName = "pluginmon.yaml"

// Loader layers defaults, an optional YAML file, environment variables and
// command-line flags, in increasing order of precedence.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a Loader seeded with Default().
func NewLoader() (*Loader, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}
	return &Loader{v: v}, nil
}

// BindFlag makes flag override key when it is set on the command line.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag for config key %s", key)
	}
	if err := l.v.BindPFlag(key, flag); err != nil {
		return fmt.Errorf("failed to bind flag --%s: %w", flag.Name, err)
	}
	return nil
}

// BindFlags binds each config key to the flag of the given name in fs.
func (l *Loader) BindFlags(fs *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		if err := l.BindFlag(key, fs.Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the configuration. An explicit path must exist; otherwise
// DefaultFileName is used when present in the working directory.
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName(strings.TrimSuffix(DefaultFileName, ".yaml"))
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FileUsed returns the config file that was read, or "".
func (l *Loader) FileUsed() string {
	return l.v.ConfigFileUsed()
}

// Load reads the configuration from path, the environment and defaults.
func Load(path string) (*Config, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}
	return l.Load(path)
}

// setDefaults registers every key of cfg so that environment variables can
// override keys that no file sets.
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	flatten("", tree, v.SetDefault)
	if len(cfg.Extensions) == 0 {
		v.SetDefault("extensions", []string{})
	}
	return nil
}

func flatten(prefix string, tree map[string]interface{}, set func(string, interface{})) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok && len(sub) > 0 {
			flatten(key, sub, set)
			continue
		}
		set(key, val)
	}
}
