// Package store persists missed calls and connected-session history in a
// local sqlite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"switchboard/internal/model"
)

// ErrSessionNotFound is returned when ending an unknown or already ended session.
var ErrSessionNotFound = errors.New("session not found")

const timeLayout = time.RFC3339Nano

// Session is one connected focus period.
type Session struct {
	ID       int64      `json:"id"`
	LineID   string     `json:"line_id"`
	LineName string     `json:"line_name"`
	Started  time.Time  `json:"started"`
	Ended    *time.Time `json:"ended,omitempty"`
	// Reason is how the session ended: "manual", "auto" or "switch".
	Reason string `json:"reason,omitempty"`
}

type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS missed_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		line_name TEXT NOT NULL,
		task_title TEXT NOT NULL,
		rang_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		line_id TEXT NOT NULL,
		line_name TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_open ON sessions(ended_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) AddMissedCall(ctx context.Context, call model.MissedCall) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO missed_calls (line_name, task_title, rang_at) VALUES (?, ?, ?)`,
		call.LineName, call.TaskTitle, call.Time.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert missed call: %w", err)
	}
	return nil
}

// MissedCalls returns up to limit of the most recent missed calls, oldest
// first. A non-positive limit returns all of them.
func (s *Store) MissedCalls(ctx context.Context, limit int) ([]model.MissedCall, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT line_name, task_title, rang_at FROM (
			SELECT id, line_name, task_title, rang_at FROM missed_calls
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query missed calls: %w", err)
	}
	defer rows.Close()

	out := make([]model.MissedCall, 0)
	for rows.Next() {
		var mc model.MissedCall
		var rang string
		if err := rows.Scan(&mc.LineName, &mc.TaskTitle, &rang); err != nil {
			return nil, err
		}
		if mc.Time, err = time.Parse(timeLayout, rang); err != nil {
			return nil, fmt.Errorf("parse rang_at %q: %w", rang, err)
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

// ClearMissedCalls deletes every missed call and reports how many there were.
func (s *Store) ClearMissedCalls(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM missed_calls`)
	if err != nil {
		return 0, fmt.Errorf("clear missed calls: %w", err)
	}
	return res.RowsAffected()
}

// StartSession records a new open session and returns its id.
func (s *Store) StartSession(ctx context.Context, line model.Line, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (line_id, line_name, started_at) VALUES (?, ?, ?)`,
		line.ID, line.Name, at.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	return res.LastInsertId()
}

// EndSession closes an open session.
func (s *Store) EndSession(ctx context.Context, id int64, at time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, reason = ? WHERE id = ? AND ended_at IS NULL`,
		at.UTC().Format(timeLayout), reason, id)
	if err != nil {
		return fmt.Errorf("end session %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("end session %d: %w", id, ErrSessionNotFound)
	}
	return nil
}

// Sessions returns up to limit of the most recent sessions, newest first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, line_id, line_name, started_at, ended_at, reason
		FROM sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		var ss Session
		var started string
		var ended, reason sql.NullString
		if err := rows.Scan(&ss.ID, &ss.LineID, &ss.LineName, &started, &ended, &reason); err != nil {
			return nil, err
		}
		if ss.Started, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", started, err)
		}
		if ended.Valid {
			t, err := time.Parse(timeLayout, ended.String)
			if err != nil {
				return nil, fmt.Errorf("parse ended_at %q: %w", ended.String, err)
			}
			ss.Ended = &t
		}
		ss.Reason = reason.String
		out = append(out, ss)
	}
	return out, rows.Err()
}
