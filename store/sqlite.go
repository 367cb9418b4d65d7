// Package store persists subscriber histories so they can be plotted after a run.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dratasich/obsbridge"
	"github.com/dratasich/obsbridge/observation"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	address    TEXT NOT NULL,
	started_at INTEGER NOT NULL -- unix nanoseconds
);
CREATE TABLE IF NOT EXISTS samples (
	run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq             INTEGER NOT NULL,
	virtual_time_ns INTEGER NOT NULL,
	min             REAL NOT NULL,
	max             REAL NOT NULL,
	value           REAL NOT NULL,
	ts              REAL NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// Run identifies one subscriber run
type Run struct {
	ID        string
	Address   string
	StartedAt time.Time
}

// NewRun with a fresh id
func NewRun(address string, startedAt time.Time) Run {
	return Run{ID: uuid.NewString(), Address: address, StartedAt: startedAt.UTC()}
}

// HistoryStore keeps histories in a sqlite database
type HistoryStore struct {
	db *sql.DB
}

// Open (and create if needed) the database at path
func Open(ctx context.Context, path string) (*HistoryStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
		dsn = path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// Save a run together with its history in one transaction
func (s *HistoryStore) Save(ctx context.Context, run Run, history obsbridge.History) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, address, started_at) VALUES (?, ?, ?)`,
		run.ID, run.Address, run.StartedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO samples (run_id, seq, virtual_time_ns, min, max, value, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for i, sample := range history {
		obs := sample.Observation
		if _, err := stmt.ExecContext(ctx, run.ID, i, int64(sample.Time), obs.Min, obs.Max, obs.Value, obs.Timestamp); err != nil {
			return fmt.Errorf("insert sample %d of run %s: %w", i, run.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", run.ID, err)
	}
	return nil
}

// Load the history of a run in receive order
func (s *HistoryStore) Load(ctx context.Context, runID string) (obsbridge.History, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT virtual_time_ns, min, max, value, ts FROM samples WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", runID, err)
	}
	defer rows.Close()

	var history obsbridge.History
	for rows.Next() {
		var ns int64
		var obs observation.Observation
		if err := rows.Scan(&ns, &obs.Min, &obs.Max, &obs.Value, &obs.Timestamp); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		history = append(history, obsbridge.Sample{Time: time.Duration(ns), Observation: obs})
	}
	return history, rows.Err()
}

// Runs stored so far, oldest first
func (s *HistoryStore) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, address, started_at FROM runs ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var startedAt int64
		if err := rows.Scan(&run.ID, &run.Address, &startedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = time.Unix(0, startedAt).UTC()
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
