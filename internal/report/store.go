package report

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// RunRecord is one pipeline run as indexed in SQLite. The markdown artifact
// holds the detail; the index exists so runs can be listed and compared
// without parsing report files.
type RunRecord struct {
	// Mode is the entry point ("full", "incremental", "rebuild", "check").
	Mode string
	// Status is "success" or "failed".
	Status string
	// Duration is the run's wall-clock time.
	Duration time.Duration
	// Error is the causing error text on failure, empty on success.
	Error string
	// Artifact is the report artifact file name.
	Artifact string
	// Papers, GraphCount, and VectorCount are the final store counts,
	// zero when the run failed before validation.
	Papers      int
	GraphCount  int
	VectorCount int
	// Consistent is the final cross-store verdict.
	Consistent bool
	// CreatedAt is when the record was persisted.
	CreatedAt time.Time
}

// RunStore indexes pipeline runs in a local SQLite database.
type RunStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// Open opens (or creates) a RunStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*RunStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("report: create %s: %w", dir, err)
			}
		}
	}
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("report: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &RunStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *RunStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS runs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    mode          TEXT    NOT NULL,
    status        TEXT    NOT NULL CHECK(status IN ('success','failed')),
    duration_ms   INTEGER NOT NULL,
    error         TEXT    NOT NULL DEFAULT '',
    artifact      TEXT    NOT NULL DEFAULT '',
    papers        INTEGER NOT NULL DEFAULT 0,
    graph_count   INTEGER NOT NULL DEFAULT 0,
    vector_count  INTEGER NOT NULL DEFAULT 0,
    consistent    INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs (created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("report: migrate: %w", err)
	}
	return nil
}

// Record persists one run record.
func (s *RunStore) Record(ctx context.Context, r RunRecord) error {
	const q = `
INSERT INTO runs (mode, status, duration_ms, error, artifact, papers, graph_count, vector_count, consistent, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	consistent := 0
	if r.Consistent {
		consistent = 1
	}
	_, err := s.db.ExecContext(ctx, q,
		r.Mode, r.Status, r.Duration.Milliseconds(), r.Error, r.Artifact,
		r.Papers, r.GraphCount, r.VectorCount, consistent, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("report: record run: %w", err)
	}
	return nil
}

// Recent returns the most recent n runs, newest first.
func (s *RunStore) Recent(ctx context.Context, n int) ([]RunRecord, error) {
	const q = `
SELECT mode, status, duration_ms, error, artifact, papers, graph_count, vector_count, consistent, created_at
FROM   runs
ORDER  BY created_at DESC, id DESC
LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("report: recent: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var durationMS, consistent, createdAt int64
		if err := rows.Scan(&r.Mode, &r.Status, &durationMS, &r.Error, &r.Artifact,
			&r.Papers, &r.GraphCount, &r.VectorCount, &consistent, &createdAt); err != nil {
			return nil, fmt.Errorf("report: scan run: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.Consistent = consistent == 1
		r.CreatedAt = time.Unix(createdAt, 0)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: recent: %w", err)
	}
	return runs, nil
}

// Close releases the database connection.
func (s *RunStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("report: close: %w", err)
	}
	return nil
}
