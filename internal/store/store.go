// Package store persists loop snapshots. Each save writes the full loop
// state (bounded by the sequence caps in the loop package), so restore after
// a restart is a single read per loop.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/ralphlabs/ralphd/internal/loop"
	"github.com/ralphlabs/ralphd/internal/status"
)

// Store is the persistence boundary used by the loop manager.
type Store interface {
	SaveLoopState(id string, snap loop.Snapshot) error
	LoadAll() (map[string]loop.Snapshot, error)
	Delete(id string) error
	Close() error
}

// historyPerLoop bounds the append-only snapshot history kept per loop.
const historyPerLoop = 20

const schema = `
CREATE TABLE IF NOT EXISTS loops (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT '',
	snapshot TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS loop_history (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	loop_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT '',
	snapshot TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_loop_history_loop ON loop_history(loop_id, seq);
`

// SQLite is the durable Store implementation.
type SQLite struct {
	conn *sql.DB
}

// DefaultPath returns ~/.ralphd/ralphd.db, creating the directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(home, ".ralphd")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "ralphd.db"), nil
}

// Open opens (creating if needed) the snapshot database at path.
func Open(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}
	return &SQLite{conn: conn}, nil
}

func (s *SQLite) Close() error {
	return s.conn.Close()
}

// SaveLoopState upserts the loop's latest snapshot and appends it to the
// bounded history.
func (s *SQLite) SaveLoopState(id string, snap loop.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot for %s: %w", id, err)
	}
	st := string(snap.State.Status)

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO loops (id, status, snapshot, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`, id, st, string(data)); err != nil {
		return fmt.Errorf("upserting loop %s: %w", id, err)
	}

	if _, err := tx.Exec(`INSERT INTO loop_history (loop_id, status, snapshot) VALUES (?, ?, ?)`,
		id, st, string(data)); err != nil {
		return fmt.Errorf("appending history for %s: %w", id, err)
	}
	if _, err := tx.Exec(`
		DELETE FROM loop_history WHERE loop_id = ? AND seq NOT IN (
			SELECT seq FROM loop_history WHERE loop_id = ? ORDER BY seq DESC LIMIT ?
		)`, id, id, historyPerLoop); err != nil {
		return fmt.Errorf("trimming history for %s: %w", id, err)
	}

	return tx.Commit()
}

// LoadAll returns the most recent snapshot of every non-deleted loop.
func (s *SQLite) LoadAll() (map[string]loop.Snapshot, error) {
	rows, err := s.conn.Query(`SELECT id, snapshot FROM loops WHERE status != ?`, string(status.Deleted))
	if err != nil {
		return nil, fmt.Errorf("loading loops: %w", err)
	}
	defer rows.Close()

	snapshots := make(map[string]loop.Snapshot)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scanning loop row: %w", err)
		}
		var snap loop.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("unmarshaling snapshot for %s: %w", id, err)
		}
		snapshots[id] = snap
	}
	return snapshots, rows.Err()
}

// Delete purges a loop and its history.
func (s *SQLite) Delete(id string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM loops WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting loop %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM loop_history WHERE loop_id = ?`, id); err != nil {
		return fmt.Errorf("deleting history for %s: %w", id, err)
	}
	return tx.Commit()
}

// HistoryCount returns the number of retained history snapshots for a loop.
func (s *SQLite) HistoryCount(id string) (int, error) {
	var n int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM loop_history WHERE loop_id = ?`, id).Scan(&n)
	return n, err
}
