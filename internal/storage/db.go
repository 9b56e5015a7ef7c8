// Package storage persists call history in a local SQLite database.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the engine's SQLite database.
type DB struct {
	db   *sql.DB
	path string
}

// CallEntry is one row of call history.
type CallEntry struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	PeerID      string    `json:"peer_id"`
	PeerName    string    `json:"peer_name"`
	Direction   string    `json:"direction"` // "outgoing" | "incoming"
	Outcome     string    `json:"outcome"`   // "completed", "rejected", "no-answer", ...
	StartedAt   time.Time `json:"started_at"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	EndedAt     time.Time `json:"ended_at"`
	DurationMS  int64     `json:"duration_ms"`
}

// Open opens or creates the database under dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	dbPath := filepath.Join(dir, "calls.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps history writes from blocking the read path used by the UI.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id   TEXT NOT NULL,
			peer_id      TEXT NOT NULL,
			peer_name    TEXT NOT NULL DEFAULT '',
			direction    TEXT NOT NULL,
			outcome      TEXT NOT NULL,
			started_at   DATETIME NOT NULL,
			connected_at DATETIME,
			ended_at     DATETIME NOT NULL,
			duration_ms  INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_calls_started ON calls(started_at DESC);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// RecordCall appends one finished call to the history.
func (d *DB) RecordCall(e CallEntry) error {
	var connected any
	if !e.ConnectedAt.IsZero() {
		connected = e.ConnectedAt.UTC()
	}
	_, err := d.db.Exec(`
		INSERT INTO calls (session_id, peer_id, peer_name, direction, outcome,
		                   started_at, connected_at, ended_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.PeerID, e.PeerName, e.Direction, e.Outcome,
		e.StartedAt.UTC(), connected, e.EndedAt.UTC(), e.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// RecentCalls returns up to limit entries, newest first.
func (d *DB) RecentCalls(limit int) ([]CallEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := d.db.Query(`
		SELECT id, session_id, peer_id, peer_name, direction, outcome,
		       started_at, connected_at, ended_at, duration_ms
		FROM calls ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var out []CallEntry
	for rows.Next() {
		var e CallEntry
		var connected sql.NullTime
		if err := rows.Scan(&e.ID, &e.SessionID, &e.PeerID, &e.PeerName,
			&e.Direction, &e.Outcome, &e.StartedAt, &connected, &e.EndedAt,
			&e.DurationMS); err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		if connected.Valid {
			e.ConnectedAt = connected.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}
