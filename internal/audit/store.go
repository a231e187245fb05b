// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit records session lifecycle events in a SQLite database.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("audit store is closed")
	// ErrDatabase wraps driver failures.
	ErrDatabase = errors.New("audit database error")
)

// =============================================================================
// EVENTS
// =============================================================================

// EventType is the kind of audited lifecycle change.
type EventType string

const (
	EventStarted EventType = "SESSION_STARTED"
	EventReset   EventType = "SESSION_RESET"
	EventTimeout EventType = "SESSION_TIMEOUT"
	EventLogout  EventType = "SESSION_LOGOUT"
)

// Entry is one audit row.
type Entry struct {
	ID               int64
	SessionID        string
	Type             EventType
	Kind             string // IDLE_TIMEOUT or SESSION_TIMEOUT for timeouts
	SecondsRemaining uint
	Invalidate       bool
	Success          bool
	Detail           string
	CreatedAt        time.Time
}

// Recorder accepts audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Entry) error { return nil }

// Nop returns a Recorder that discards everything.
func Nop() Recorder { return nopRecorder{} }

// =============================================================================
// STORE
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id        TEXT    NOT NULL,
    event_type        TEXT    NOT NULL,
    kind              TEXT    NOT NULL DEFAULT '',
    seconds_remaining INTEGER NOT NULL DEFAULT 0,
    invalidate        INTEGER NOT NULL DEFAULT 0,
    success           INTEGER NOT NULL DEFAULT 1,
    detail            TEXT    NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id);
`

// Store is a SQLite-backed Recorder.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// Open opens or creates the audit database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrDatabase)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Record inserts e. A zero CreatedAt is set to now.
func (s *Store) Record(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events
		    (session_id, event_type, kind, seconds_remaining, invalidate, success, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, string(e.Type), e.Kind, int64(e.SecondsRemaining),
		boolToInt(e.Invalidate), boolToInt(e.Success), e.Detail, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return nil
}

// List returns the entries of one session in insertion order.
func (s *Store) List(ctx context.Context, sessionID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, kind, seconds_remaining, invalidate, success, detail, created_at
		 FROM session_events WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                   Entry
			typ                 string
			secs, inv, ok, nano int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &typ, &e.Kind, &secs, &inv, &ok, &e.Detail, &nano); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
		}
		e.Type = EventType(typ)
		e.SecondsRemaining = uint(secs)
		e.Invalidate = inv != 0
		e.Success = ok != 0
		e.CreatedAt = time.Unix(0, nano)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return entries, nil
}

// Count returns the total number of entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM session_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return n, nil
}

// Close closes the database. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
