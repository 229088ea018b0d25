// Package state provides SQLite-backed persistence for progress snapshots.
// A restarted process reloads the latest snapshot of a run to resume
// visibility; the engine itself never depends on this data for correctness.
package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/dhalvorsen/drover/internal/progress"
)

// ErrNoSnapshot indicates no snapshot exists for the requested run.
var ErrNoSnapshot = errors.New("no snapshot for run")

// DB wraps an SQLite database holding persisted run snapshots.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// DefaultPath returns the project-local database path.
func DefaultPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".drover", "state.db")
}

// Open opens an SQLite database at the given path, creating parent
// directories and the schema if needed. WAL mode is enabled for concurrent
// reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	version    INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_run ON snapshots(run_id, id);
`
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// SaveSnapshot appends one snapshot row for the snapshot's run.
func (db *DB) SaveSnapshot(s *progress.Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	_, err = db.conn.Exec(
		"INSERT INTO snapshots (run_id, version, created_at, payload) VALUES (?, ?, ?, ?)",
		s.RunID, s.Version, s.Timestamp, string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot for a run.
func (db *DB) LatestSnapshot(runID string) (*progress.Snapshot, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var payload string
	err := db.conn.QueryRow(
		"SELECT payload FROM snapshots WHERE run_id = ? ORDER BY id DESC LIMIT 1",
		runID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	var s progress.Snapshot
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// Runs returns the IDs of all runs with at least one snapshot, most recent
// first.
func (db *DB) Runs() ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(
		"SELECT run_id FROM snapshots GROUP BY run_id ORDER BY MAX(id) DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}

// PruneSnapshots deletes all but the newest keep snapshots of a run.
func (db *DB) PruneSnapshots(runID string, keep int) error {
	if keep < 1 {
		keep = 1
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(
		`DELETE FROM snapshots WHERE run_id = ? AND id NOT IN (
			SELECT id FROM snapshots WHERE run_id = ? ORDER BY id DESC LIMIT ?
		)`,
		runID, runID, keep,
	)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}
