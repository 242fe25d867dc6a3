// Package sqlite persists request records so tracing history survives
// client restarts. It backs the tracer's optional sink.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/icube-dev/traego/internal/trace"
)

const schema = `
CREATE TABLE IF NOT EXISTS request_records (
	trace_id   TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	method     TEXT NOT NULL,
	path       TEXT NOT NULL,
	status     TEXT NOT NULL,
	cost_ms    INTEGER NOT NULL,
	started_at TIMESTAMP NOT NULL,
	summary    TEXT
);
CREATE INDEX IF NOT EXISTS idx_request_records_started
	ON request_records(started_at);
`

// Store is a sqlite-backed record store. Safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (creating if needed) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral store.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append stores one finished record. Implements trace.Sink.
func (s *Store) Append(ctx context.Context, rec trace.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO request_records
			(trace_id, kind, method, path, status, cost_ms, started_at, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TraceID, string(rec.Kind), rec.Method, rec.Path, string(rec.Status),
		rec.Cost.Milliseconds(), rec.Started.UTC(), rec.Summary)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// List returns up to limit records, oldest first. limit <= 0 returns
// everything.
func (s *Store) List(ctx context.Context, limit int) ([]trace.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT trace_id, kind, method, path, status, cost_ms, started_at, COALESCE(summary, '')
		FROM request_records ORDER BY started_at ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []trace.Record
	for rows.Next() {
		var (
			rec     trace.Record
			kind    string
			status  string
			costMs  int64
			started time.Time
		)
		if err := rows.Scan(&rec.TraceID, &kind, &rec.Method, &rec.Path,
			&status, &costMs, &started, &rec.Summary); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Kind = trace.Kind(kind)
		rec.Status = trace.Status(status)
		rec.Cost = time.Duration(costMs) * time.Millisecond
		rec.Started = started
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Purge deletes records started before cutoff.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM request_records WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
