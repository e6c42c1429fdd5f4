package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// schema holds one row per (run, node). sequence orders a run's rows by
// save; updated_at is Unix nanoseconds so runs sort by last activity.
var schema = []string{
	`PRAGMA journal_mode=WAL`,
	`PRAGMA busy_timeout=5000`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		run_id     TEXT    NOT NULL,
		node_id    TEXT    NOT NULL,
		sequence   INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		data       BLOB    NOT NULL,
		PRIMARY KEY (run_id, node_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_run_sequence ON checkpoints(run_id, sequence)`,
}

// SQLiteStore keeps checkpoints in a SQLite file so a run interrupted in
// one process can be resumed by the next "dashflow resume" on the host.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) the database at path. Use
// ":memory:" for a throwaway store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A :memory: database exists per connection, so the pool must not grow.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("prepare schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Save implements Store. The row's sequence becomes the run's highest, so a
// re-saved node moves to the end of List.
func (s *SQLiteStore) Save(runID, nodeID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	var next int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM checkpoints WHERE run_id = ?`, runID,
	).Scan(&next); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO checkpoints (run_id, node_id, sequence, updated_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, node_id) DO UPDATE SET
			sequence = excluded.sequence,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		runID, nodeID, next, time.Now().UnixNano(), data,
	); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(runID, nodeID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var data []byte
	err := s.db.QueryRow(
		`SELECT data FROM checkpoints WHERE run_id = ? AND node_id = ?`, runID, nodeID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return data, nil
}

// List implements Store.
func (s *SQLiteStore) List(runID string) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT node_id, sequence, updated_at, LENGTH(data)
		FROM checkpoints WHERE run_id = ? ORDER BY sequence`, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		info := Info{RunID: runID}
		var updated int64
		if err := rows.Scan(&info.NodeID, &info.Sequence, &updated, &info.Size); err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		info.Timestamp = time.Unix(0, updated).UTC()
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return infos, nil
}

// Runs implements RunLister.
func (s *SQLiteStore) Runs() ([]RunInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT c.run_id, COUNT(*), MAX(c.updated_at),
			(SELECT l.node_id FROM checkpoints l
			 WHERE l.run_id = c.run_id ORDER BY l.sequence DESC LIMIT 1)
		FROM checkpoints c
		GROUP BY c.run_id
		ORDER BY MAX(c.updated_at) DESC, c.run_id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		var r RunInfo
		var updated int64
		if err := rows.Scan(&r.RunID, &r.Checkpoints, &updated, &r.LastNodeID); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		r.UpdatedAt = time.Unix(0, updated).UTC()
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(runID, nodeID string) error {
	return s.exec("delete checkpoint",
		`DELETE FROM checkpoints WHERE run_id = ? AND node_id = ?`, runID, nodeID)
}

// DeleteRun implements Store.
func (s *SQLiteStore) DeleteRun(runID string) error {
	return s.exec("delete run", `DELETE FROM checkpoints WHERE run_id = ?`, runID)
}

func (s *SQLiteStore) exec(op, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Close implements Store. Closing twice is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
