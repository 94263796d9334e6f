// Package journal keeps a local SQLite ledger of sync runs.
package journal

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// timeLayout has a fixed width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Status is the terminal state of a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run is one journalled sync attempt.
type Run struct {
	ID           string
	Namespace    string
	AddressType  string
	Frontend     string
	Backend      string
	ConfigMap    string
	Status       Status
	Stage        string // stage that failed; empty on success
	LastError    string
	BeforeDigest string
	AfterDigest  string
	Changed      bool
	StartedAt    time.Time
	CompletedAt  time.Time
}

// Journal records runs in SQLite.
type Journal struct {
	db *sql.DB
}

// Open opens the journal database at path, creating it if needed.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := openSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record inserts run.
func (j *Journal) Record(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run ID is empty")
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO sync_runs(
  id, namespace, address_type, frontend, backend, configmap, status, stage, last_error,
  before_digest, after_digest, changed, started_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		run.ID, run.Namespace, run.AddressType, run.Frontend, run.Backend, run.ConfigMap,
		string(run.Status), nullString(run.Stage), nullString(run.LastError),
		nullString(run.BeforeDigest), nullString(run.AfterDigest), run.Changed,
		run.StartedAt.UTC().Format(timeLayout), run.CompletedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert sync_runs: %w", err)
	}
	return nil
}

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("run not found")

const selectRuns = `
SELECT id, namespace, address_type, frontend, backend, configmap, status, stage, last_error,
       before_digest, after_digest, changed, started_at, completed_at
FROM sync_runs
`

// Get returns the run with id.
func (j *Journal) Get(ctx context.Context, id string) (Run, error) {
	row := j.db.QueryRowContext(ctx, selectRuns+"WHERE id = ?;", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Run{}, err
	}
	return r, nil
}

// Recent returns up to limit runs, newest first. An empty namespace matches
// every namespace.
func (j *Journal) Recent(ctx context.Context, namespace string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, selectRuns+`
WHERE ? = '' OR namespace = ?
ORDER BY started_at DESC
LIMIT ?;
`, namespace, namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync_runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync_runs: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r                                   Run
		status                              string
		stage, lastErr, beforeDig, afterDig sql.NullString
		startedAt, completedAt              string
	)
	if err := sc.Scan(&r.ID, &r.Namespace, &r.AddressType, &r.Frontend, &r.Backend, &r.ConfigMap,
		&status, &stage, &lastErr, &beforeDig, &afterDig, &r.Changed, &startedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan sync_runs: %w", err)
	}
	r.Status = Status(status)
	r.Stage = stage.String
	r.LastError = lastErr.String
	r.BeforeDigest = beforeDig.String
	r.AfterDigest = afterDig.String

	var err error
	if r.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return Run{}, fmt.Errorf("parse started_at %q: %w", startedAt, err)
	}
	if r.CompletedAt, err = time.Parse(timeLayout, completedAt); err != nil {
		return Run{}, fmt.Errorf("parse completed_at %q: %w", completedAt, err)
	}
	return r, nil
}

// Digest returns the hex BLAKE3-256 digest of text.
func Digest(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
