// Package config loads and validates the plugin monitor configuration.
//
// # Sources
//
// Settings are layered in increasing order of precedence:
//
//   - Default()
//   - a YAML file: the --config path, else pluginmon.yaml in the working
//     directory when present
//   - PLUGINMON_* environment variables, with dots replaced by
//     underscores (PLUGINMON_LOGGING_LEVEL, PLUGINMON_SINKS_GIT_REPO_DIR)
//   - command-line flags bound with Loader.BindFlag
//
// # Example file
//
//	plugin_dir: ./plugins
//	interval: 5s
//	watch: true
//	logging:
//	  level: info
//	  format: console
//	metrics:
//	  enabled: true
//	  listen_address: ":9090"
//	sinks:
//	  git:
//	    enabled: true
//	    repo_dir: ./context
//	    remote_url: git@example.com:me/context.git
//	  sqlite:
//	    enabled: true
//	    path: pluginmon.db
//
// Validation uses go-playground/validator struct tags plus the telemetry
// checks. Config.YAML renders the effective configuration.
package config
