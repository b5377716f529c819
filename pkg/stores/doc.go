// Package stores persists the latest plugin outcomes in SQLite.
// Schema changes are applied with golang-migrate from embedded SQL files.
// The plugin_status table holds one row per plugin and is overwritten every
// cycle, so no outcome history accumulates.
package stores
