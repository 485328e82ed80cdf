package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stream (
  position        INTEGER PRIMARY KEY AUTOINCREMENT,
  source_position INTEGER NOT NULL DEFAULT 0,
  key             INTEGER NOT NULL,
  record_type     TEXT NOT NULL,
  value_type      TEXT NOT NULL,
  intent          TEXT NOT NULL,
  request_id      TEXT,
  rejection_type  TEXT,
  rejection       TEXT,
  value           JSON,
  checksum        BLOB NOT NULL,
  appended_at     TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS projection (
  entity_key INTEGER NOT NULL,
  value_type TEXT NOT NULL,
  state      JSON NOT NULL DEFAULT '{}',
  updated_at TEXT,
  PRIMARY KEY (entity_key, value_type)
);`,
		`CREATE TABLE IF NOT EXISTS blacklist (
  entity_key INTEGER PRIMARY KEY,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS stream_record_type_idx ON stream(record_type, position);`,
		`CREATE INDEX IF NOT EXISTS stream_key_idx ON stream(key);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
