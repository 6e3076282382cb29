// Package persistence owns the sqlite store shared by the control plane:
// schema, migration ledger, pragma setup, and transaction helpers. The
// domain packages (controlstate, activity, checkpoint, taskqueue) layer
// their queries on top of the same database handle.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "sw-v1-2026-07-02-control-plane"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".steward", "steward.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RetryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout. Concurrent claimers hit this under write contention.
func RetryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// WithTx runs f inside a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := f(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// Phase 1: tables.
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS control_states (
			id TEXT PRIMARY KEY,
			scope_type TEXT NOT NULL CHECK(scope_type IN ('global', 'vertical', 'territory')),
			vertical_id TEXT NOT NULL DEFAULT '',
			territory_id TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			disabled_reason TEXT,
			disabled_by TEXT,
			disabled_at DATETIME,
			max_concurrent INTEGER NOT NULL DEFAULT 0,
			max_per_hour INTEGER NOT NULL DEFAULT 0,
			max_per_day INTEGER NOT NULL DEFAULT 0,
			error_rate_threshold REAL NOT NULL DEFAULT 0,
			auto_disable INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(scope_type, vertical_id, territory_id)
		);`,
		`CREATE TABLE IF NOT EXISTS control_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			state_id TEXT NOT NULL REFERENCES control_states(id),
			previous_json TEXT NOT NULL DEFAULT '{}',
			new_json TEXT NOT NULL DEFAULT '{}',
			actor TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS activity_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL CHECK(severity IN ('debug', 'info', 'warning', 'error', 'critical')),
			service TEXT NOT NULL,
			action TEXT NOT NULL DEFAULT '',
			vertical_id TEXT NOT NULL DEFAULT '',
			territory_id TEXT NOT NULL DEFAULT '',
			target_type TEXT NOT NULL DEFAULT '',
			target_id TEXT NOT NULL DEFAULT '',
			payload JSON NOT NULL DEFAULT '{}',
			status TEXT NOT NULL CHECK(status IN ('completed', 'failed', 'in_progress')),
			correlation_id TEXT NOT NULL DEFAULT '',
			parent_event_id INTEGER,
			started_at DATETIME,
			finished_at DATETIME,
			duration_ms INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoint_definitions (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			vertical_id TEXT NOT NULL DEFAULT '',
			territory_id TEXT NOT NULL DEFAULT '',
			services JSON NOT NULL DEFAULT '[]',
			actions JSON NOT NULL DEFAULT '[]',
			requires_approval INTEGER NOT NULL DEFAULT 1,
			auto_approve_after_hours REAL,
			auto_reject_after_hours REAL,
			require_reason INTEGER NOT NULL DEFAULT 0,
			escalation TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			definition_id TEXT REFERENCES checkpoint_definitions(id),
			vertical_id TEXT NOT NULL DEFAULT '',
			territory_id TEXT NOT NULL DEFAULT '',
			service TEXT NOT NULL,
			action TEXT NOT NULL,
			target_type TEXT NOT NULL DEFAULT '',
			target_id TEXT NOT NULL DEFAULT '',
			request_payload JSON NOT NULL DEFAULT '{}',
			risk TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('pending', 'approved', 'rejected', 'expired')),
			resolved_by TEXT,
			resolution_reason TEXT,
			resolved_at DATETIME,
			expires_at DATETIME,
			auto_approve_at DATETIME,
			task_id TEXT,
			correlation_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoint_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			checkpoint_id TEXT NOT NULL REFERENCES checkpoints(id),
			previous_status TEXT NOT NULL DEFAULT '',
			new_status TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			task_type TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			vertical_id TEXT NOT NULL DEFAULT '',
			territory_id TEXT NOT NULL DEFAULT '',
			service TEXT NOT NULL,
			action TEXT NOT NULL DEFAULT '',
			target_type TEXT NOT NULL DEFAULT '',
			target_id TEXT NOT NULL DEFAULT '',
			payload JSON NOT NULL DEFAULT '{}',
			priority INTEGER NOT NULL DEFAULT 0,
			scheduled_at DATETIME,
			not_before DATETIME,
			not_after DATETIME,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			checkpoint_id TEXT,
			checkpoint_status TEXT,
			correlation_id TEXT NOT NULL DEFAULT '',
			parent_task_id TEXT,
			status TEXT NOT NULL CHECK(status IN ('pending', 'scheduled', 'blocked', 'running', 'completed', 'failed', 'cancelled')),
			claimed_by TEXT,
			result JSON,
			last_error TEXT,
			started_at DATETIME,
			finished_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			previous_status TEXT NOT NULL DEFAULT '',
			new_status TEXT NOT NULL,
			detail JSON NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Phase 2: indexes.
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_control_states_scope ON control_states(scope_type, vertical_id, territory_id);`,
		`CREATE INDEX IF NOT EXISTS idx_control_history_state ON control_history(state_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_activity_correlation ON activity_events(correlation_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_activity_service_status ON activity_events(service, status, id);`,
		`CREATE INDEX IF NOT EXISTS idx_activity_created ON activity_events(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status, expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoint_history_checkpoint ON checkpoint_history(checkpoint_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claimable ON tasks(status, priority, scheduled_at, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_checkpoint ON tasks(checkpoint_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_scope ON tasks(vertical_id, territory_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_task_history_task ON task_history(task_id, id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
