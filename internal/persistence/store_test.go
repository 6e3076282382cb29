package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tidefall/steward/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "steward.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	requiredTables := []string{
		"schema_migrations",
		"control_states", "control_history",
		"activity_events",
		"checkpoint_definitions", "checkpoints", "checkpoint_history",
		"tasks", "task_history",
	}
	for _, table := range requiredTables {
		var got string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got)
		if err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store := openTestStore(t)

	var version int
	var checksum string
	err := store.DB().QueryRow("SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;").
		Scan(&version, &checksum)
	if err != nil {
		t.Fatalf("query migration ledger: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected schema version 1, got %d", version)
	}
	if checksum == "" {
		t.Fatal("expected non-empty checksum")
	}
}

func TestStore_OpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "steward.db")
	first, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	var count int
	if err := second.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations;").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("reopen must not re-run migrations, ledger rows = %d", count)
	}
}

func TestRetryOnBusy_StopsOnNonBusyError(t *testing.T) {
	calls := 0
	wantErr := errors.New("constraint violated")
	err := persistence.RetryOnBusy(context.Background(), 5, func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected original error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-busy errors must not retry, calls = %d", calls)
	}
}

func TestRetryOnBusy_RetriesBusyThenSucceeds(t *testing.T) {
	calls := 0
	err := persistence.RetryOnBusy(context.Background(), 5, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnBusy_GivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	err := persistence.RetryOnBusy(context.Background(), 2, func() error {
		calls++
		return errors.New("database is locked")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls (initial + 2 retries), got %d", calls)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO activity_events (event_type, category, severity, service, action, status)
			VALUES ('test', 'test', 'info', 'svc', 'act', 'completed');
		`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var count int
	if err := store.DB().QueryRow("SELECT COUNT(*) FROM activity_events;").Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 0 {
		t.Fatalf("rolled-back insert leaked, count = %d", count)
	}
}
