package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	path   string
	config Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to ":memory:" opens a separate database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path:   cfg.Path,
		config: cfg,
	}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// dsn adds WAL and busy-timeout pragmas for file databases.
func (s *SQLiteStore) dsn() string {
	if isMemory(s.path) {
		return s.path
	}
	sep := "?"
	if strings.Contains(s.path, "?") {
		sep = "&"
	}
	return s.path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// upsertPluginStatus inserts or replaces the status row for a plugin.
func upsertPluginStatus(ctx context.Context, db execer, status *PluginStatus) error {
	query := `
		INSERT INTO plugin_status (
			name, status, stage, value, error, duration_ms, cycle_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			status = excluded.status,
			stage = excluded.stage,
			value = excluded.value,
			error = excluded.error,
			duration_ms = excluded.duration_ms,
			cycle_id = excluded.cycle_id,
			updated_at = excluded.updated_at
	`

	updatedAt := status.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := db.ExecContext(ctx, query,
		status.Name,
		status.Status,
		status.Stage,
		status.Value,
		status.Error,
		status.DurationMS,
		status.CycleID,
		updatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert plugin status %s: %w", status.Name, err)
	}

	return nil
}

// GetPluginStatus retrieves the status row for a plugin.
func (s *SQLiteStore) GetPluginStatus(ctx context.Context, name string) (*PluginStatus, error) {
	query := `
		SELECT name, status, stage, value, error, duration_ms, cycle_id, updated_at
		FROM plugin_status
		WHERE name = ?
	`

	status, err := scanPluginStatus(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plugin status not found: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin status: %w", err)
	}

	return status, nil
}

// ListPluginStatus returns all status rows ordered by plugin name.
func (s *SQLiteStore) ListPluginStatus(ctx context.Context) ([]*PluginStatus, error) {
	query := `
		SELECT name, status, stage, value, error, duration_ms, cycle_id, updated_at
		FROM plugin_status
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugin status: %w", err)
	}
	defer rows.Close()

	var statuses []*PluginStatus
	for rows.Next() {
		status, err := scanPluginStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin status: %w", err)
		}
		statuses = append(statuses, status)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plugin status: %w", err)
	}

	return statuses, nil
}

// deletePluginStatusExcept removes rows for plugins not in names. An empty
// names slice removes every row.
func deletePluginStatusExcept(ctx context.Context, db execer, names []string) (int64, error) {
	query := "DELETE FROM plugin_status"
	args := make([]any, len(names))
	if len(names) > 0 {
		placeholders := make([]string, len(names))
		for i, name := range names {
			placeholders[i] = "?"
			args[i] = name
		}
		query += " WHERE name NOT IN (" + strings.Join(placeholders, ", ") + ")"
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune plugin status: %w", err)
	}

	return result.RowsAffected()
}

// ReplacePluginStatus upserts statuses and removes every other row in a
// single transaction, so the table mirrors exactly one cycle.
func (s *SQLiteStore) ReplacePluginStatus(ctx context.Context, statuses []*PluginStatus) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	names := make([]string, 0, len(statuses))
	for _, status := range statuses {
		if err := upsertPluginStatus(ctx, tx, status); err != nil {
			_ = s.RollbackTx(tx)
			return err
		}
		names = append(names, status.Name)
	}

	if _, err := deletePluginStatusExcept(ctx, tx, names); err != nil {
		_ = s.RollbackTx(tx)
		return err
	}

	return s.CommitTx(tx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPluginStatus(row rowScanner) (*PluginStatus, error) {
	status := &PluginStatus{}
	var updatedAt string
	err := row.Scan(
		&status.Name,
		&status.Status,
		&status.Stage,
		&status.Value,
		&status.Error,
		&status.DurationMS,
		&status.CycleID,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	status.UpdatedAt, err = time.Parse(timeLayout, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at %q: %w", updatedAt, err)
	}

	return status, nil
}
