// Package history records capture runs and the files they produced in a
// SQLite database, so past captures can be listed after the sessions that
// made them are gone.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// openDB opens (creating if needed) the database at path and brings its
// schema up to date.
func openDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := getUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: runs and artifacts.
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS runs (
		  id          TEXT PRIMARY KEY,
		  capture_id  TEXT NOT NULL,
		  outcome     TEXT NOT NULL,
		  error_code  TEXT,
		  diagnostic  TEXT,
		  started_at  INTEGER NOT NULL,
		  ended_at    INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_runs_capture_started
		ON runs(capture_id, started_at DESC);

		CREATE TABLE IF NOT EXISTS artifacts (
		  id          TEXT PRIMARY KEY,
		  run_id      TEXT,
		  capture_id  TEXT NOT NULL,
		  filename    TEXT NOT NULL,
		  created_at  INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_artifacts_run
		ON artifacts(run_id, created_at);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := setUserVersion(db, 1); err != nil {
			return err
		}
	}

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

func getUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

func setUserVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
