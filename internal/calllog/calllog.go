// Package calllog persists one record per ended call for history queries.
// Recording is optional; the relay runs fully in-memory without it.
package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Record is the durable trace of one ended call.
type Record struct {
	SessionID string
	CallerID  string
	CalleeID  string
	MediaKind string
	EndReason string
	CreatedAt time.Time
	// StartedAt is zero when the call was never answered.
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration is EndedAt - StartedAt, zero for unanswered calls.
func (r Record) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Recorder consumes ended-call records. Record must not block signaling;
// implementations log failures instead of propagating them.
type Recorder interface {
	Record(rec Record)
}

// Noop discards records. Used when no call log path is configured.
type Noop struct{}

func (Noop) Record(Record) {}

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	session_id   TEXT PRIMARY KEY,
	caller_id    TEXT NOT NULL,
	callee_id    TEXT NOT NULL,
	media_kind   TEXT NOT NULL,
	end_reason   TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	started_at   INTEGER NOT NULL DEFAULT 0,
	ended_at     INTEGER NOT NULL,
	duration_sec INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_calls_caller ON calls(caller_id, ended_at);
CREATE INDEX IF NOT EXISTS idx_calls_callee ON calls(callee_id, ended_at);
`

// Store writes records to SQLite and serves per-user history.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open call log: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init call log schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Record(rec Record) {
	started := int64(0)
	if !rec.StartedAt.IsZero() {
		started = rec.StartedAt.Unix()
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO calls
		 (session_id, caller_id, callee_id, media_kind, end_reason, created_at, started_at, ended_at, duration_sec)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.CallerID, rec.CalleeID, rec.MediaKind, rec.EndReason,
		rec.CreatedAt.Unix(), started, rec.EndedAt.Unix(), int64(rec.Duration().Seconds()),
	)
	if err != nil {
		s.logger.Error("call log write failed", "sessionId", rec.SessionID, "err", err)
	}
}

// HistoryForUser returns the user's most recent calls, newest first.
func (s *Store) HistoryForUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, caller_id, callee_id, media_kind, end_reason, created_at, started_at, ended_at
		 FROM calls
		 WHERE caller_id = ? OR callee_id = ?
		 ORDER BY ended_at DESC
		 LIMIT ?`,
		userID, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var createdAt, startedAt, endedAt int64
		if err := rows.Scan(
			&rec.SessionID, &rec.CallerID, &rec.CalleeID, &rec.MediaKind, &rec.EndReason,
			&createdAt, &startedAt, &endedAt,
		); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		if startedAt > 0 {
			rec.StartedAt = time.Unix(startedAt, 0).UTC()
		}
		rec.EndedAt = time.Unix(endedAt, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
