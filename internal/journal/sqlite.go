package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// openSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
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

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_runs (
  id             TEXT PRIMARY KEY,
  namespace      TEXT NOT NULL,
  address_type   TEXT NOT NULL,
  frontend       TEXT NOT NULL,
  backend        TEXT NOT NULL,
  configmap      TEXT NOT NULL,
  status         TEXT NOT NULL,
  stage          TEXT,
  last_error     TEXT,
  before_digest  TEXT,
  after_digest   TEXT,
  changed        INTEGER NOT NULL DEFAULT 0,
  started_at     TEXT NOT NULL,
  completed_at   TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS sync_runs_namespace_started_at_idx ON sync_runs(namespace, started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
