// Package store provides the SQLite-backed audit trail of queue state
// transitions. The audit log is append-only and purely observational:
// recovery never consults it, and losing it loses history but no
// correctness.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"metamorph/internal/types"
)

// Event is one recorded state transition.
type Event struct {
	ID         int64          `json:"id"`
	ChangeID   types.ChangeID `json:"change_id"`
	FromStatus string         `json:"from_status"`
	ToStatus   string         `json:"to_status"`
	Actor      string         `json:"actor"`
	Detail     string         `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AuditStore records transition events in SQLite.
type AuditStore struct {
	mu sync.Mutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	change_id TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_transitions_change ON transitions(change_id);
CREATE INDEX IF NOT EXISTS idx_transitions_created ON transitions(created_at);
`

// Open opens (or creates) the audit database at path.
func Open(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &AuditStore{db: db}, nil
}

// Record appends one transition event. A nil store is a no-op so callers
// can treat auditing as optional.
func (s *AuditStore) Record(changeID types.ChangeID, from, to, actor, detail string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO transitions (change_id, from_status, to_status, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(changeID), from, to, actor, detail, time.Now().UTC())
	return err
}

// Recent returns the newest limit events.
func (s *AuditStore) Recent(limit int) ([]Event, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, change_id, from_status, to_status, actor, detail, created_at
		FROM transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ForChange returns every event for one change, oldest first.
func (s *AuditStore) ForChange(changeID types.ChangeID) ([]Event, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, change_id, from_status, to_status, actor, detail, created_at
		FROM transitions WHERE change_id = ? ORDER BY id ASC`, string(changeID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var ev Event
		var changeID string
		if err := rows.Scan(&ev.ID, &changeID, &ev.FromStatus, &ev.ToStatus,
			&ev.Actor, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.ChangeID = types.ChangeID(changeID)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close releases the database handle.
func (s *AuditStore) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
