// Retention store for finished tasks, grounded on the teacher's
// internal/queue/sqlite_queue.go: a WAL-mode modernc.org/sqlite database
// with a single-connection writer, used here to persist Meta snapshots
// past process restart instead of alert events.
package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/adaptive-git/transport-core/internal/coreerr"
)

// Store persists Meta snapshots (terminal ones carry a finished_at) for
// diagnostics and retention policy, independent of the in-memory Registry.
type Store struct {
	db *sql.DB
}

const ddl = `
CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    state        TEXT NOT NULL,
    created_at   TEXT NOT NULL,
    finished_at  TEXT,
    fail_reason  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_finished_at ON tasks (finished_at);
`

// Open creates (or reuses) a WAL-mode SQLite database at path and applies
// the schema. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tasks: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tasks: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tasks: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tasks: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Record upserts m's current snapshot; finishedAt is the zero time while m
// is still Pending/Running.
func (s *Store) Record(ctx context.Context, m Meta, finishedAt time.Time) error {
	var finished any
	if !finishedAt.IsZero() {
		finished = finishedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, kind, state, created_at, finished_at, fail_reason)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   finished_at = excluded.finished_at,
		   fail_reason = excluded.fail_reason`,
		m.ID, string(m.Kind), string(m.State), m.CreatedAt.UTC().Format(time.RFC3339Nano), finished, m.FailReason,
	)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "tasks: record snapshot failed", err)
	}
	return nil
}

// PruneOlderThan deletes terminal (finished_at IS NOT NULL) rows whose
// finished_at is before cutoff, returning the number removed. It mirrors
// the IP History Store's capacity/expiry enforcement pattern (spec.md
// §4.7) applied to task retention instead of IP stats.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE finished_at IS NOT NULL AND finished_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, coreerr.Wrap(coreerr.Internal, "tasks: prune failed", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// List returns every persisted Meta, most recently created first.
func (s *Store) List(ctx context.Context) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, state, created_at, fail_reason FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "tasks: list query failed", err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		var m Meta
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Kind, &m.State, &createdAt, &m.FailReason); err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, "tasks: list scan failed", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "tasks: list rows failed", err)
	}
	return out, nil
}
