// Package history persists a local call log: who called whom, when, how it
// ended and how long it lasted.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/callkit/internal/proto"
)

// Outcome classifies how a call ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeMissed    Outcome = "missed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Entry is one logged call.
type Entry struct {
	ID        int64
	CallID    string
	PeerID    string
	PeerName  string
	Kind      proto.CallKind
	Group     bool
	Outgoing  bool
	Outcome   Outcome
	StartedAt time.Time
	Duration  time.Duration
}

// Store is a SQLite-backed call log.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the call log database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// WAL mode for better concurrency between the session loop and readers.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure history database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id     TEXT NOT NULL,
			peer_id     TEXT NOT NULL,
			peer_name   TEXT,
			kind        TEXT NOT NULL,
			is_group    INTEGER NOT NULL DEFAULT 0,
			outgoing    INTEGER NOT NULL DEFAULT 0,
			outcome     TEXT NOT NULL,
			started_at  INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_calls_started ON calls(started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_calls_peer ON calls(peer_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Record appends one call to the log.
func (s *Store) Record(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO calls (call_id, peer_id, peer_name, kind, is_group, outgoing, outcome, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CallID, e.PeerID, e.PeerName, string(e.Kind),
		boolInt(e.Group), boolInt(e.Outgoing), string(e.Outcome),
		e.StartedAt.UnixMilli(), e.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT id, call_id, peer_id, peer_name, kind, is_group, outgoing, outcome, started_at, duration_ms
		FROM calls ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query call history: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// WithPeer returns calls with one peer, most recent first.
func (s *Store) WithPeer(peerID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT id, call_id, peer_id, peer_name, kind, is_group, outgoing, outcome, started_at, duration_ms
		FROM calls WHERE peer_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`, peerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query call history: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MissedCount returns how many incoming calls were missed.
func (s *Store) MissedCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM calls WHERE outgoing = 0 AND outcome = ?`,
		string(OutcomeMissed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count missed calls: %w", err)
	}
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var kind, outcome string
		var group, outgoing int
		var startedMS, durMS int64
		if err := rows.Scan(&e.ID, &e.CallID, &e.PeerID, &e.PeerName, &kind,
			&group, &outgoing, &outcome, &startedMS, &durMS); err != nil {
			return nil, fmt.Errorf("scan call entry: %w", err)
		}
		e.Kind = proto.CallKind(kind)
		e.Outcome = Outcome(outcome)
		e.Group = group != 0
		e.Outgoing = outgoing != 0
		e.StartedAt = time.UnixMilli(startedMS)
		e.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) Close() error {
	return s.db.Close()
}
