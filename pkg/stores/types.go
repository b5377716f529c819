package stores

import (
	"context"
	"database/sql"
	"time"
)

// PluginStatusValue is the result of a plugin's latest outcome.
type PluginStatusValue string

const (
	PluginStatusSuccess PluginStatusValue = "success"
	PluginStatusFailure PluginStatusValue = "failure"
)

// PluginStatus is the latest known outcome of one plugin. There is exactly
// one row per plugin name; each cycle overwrites it.
type PluginStatus struct {
	Name       string            `json:"name"`
	Status     PluginStatusValue `json:"status"`
	Stage      string            `json:"stage"` // load or run
	Value      *string           `json:"value,omitempty"`
	Error      *string           `json:"error,omitempty"`
	DurationMS int64             `json:"duration_ms"`
	CycleID    string            `json:"cycle_id"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// PluginStatus operations
	GetPluginStatus(ctx context.Context, name string) (*PluginStatus, error)
	ListPluginStatus(ctx context.Context) ([]*PluginStatus, error)
	ReplacePluginStatus(ctx context.Context, statuses []*PluginStatus) error
}
