package violations

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/proctorwatch/proctor-server/internal/metrics"
	"github.com/proctorwatch/proctor-server/internal/proctor"
)

// SessionRecord is the persisted metadata of a session.
type SessionRecord struct {
	ID         string
	ExamID     string
	StudentID  string
	StartedAt  time.Time
	EndedAt    time.Time // Zero while the session runs
	EndReason  string
	Violations int
}

// SQLiteStore persists sessions and their violation history.
type SQLiteStore struct {
	db      *sql.DB
	metrics *metrics.Metrics
	timeout time.Duration
}

// OpenSQLite opens (or creates) the database at path. Use ":memory:" in tests.
func OpenSQLite(path string, m *metrics.Metrics) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(db, m)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database and migrates it.
func NewSQLiteStore(db *sql.DB, m *metrics.Metrics) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, metrics: m, timeout: 5 * time.Second}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL DEFAULT '',
		student_id TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		ended_at TEXT,
		end_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS violations (
		violation_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		frame_number INTEGER NOT NULL DEFAULT 0,
		details JSON
	);
	CREATE INDEX IF NOT EXISTS idx_violations_session ON violations (session_id, timestamp);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// OnViolation implements proctor.Sink. Failures are logged and counted; they
// never reach the emitting session.
func (s *SQLiteStore) OnViolation(event proctor.ViolationEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.SaveViolation(ctx, event); err != nil {
		s.metrics.SinkError()
		log.Error("Persist violation %s: %v", event.ID, err)
	}
}

// SaveViolation inserts one violation.
func (s *SQLiteStore) SaveViolation(ctx context.Context, event proctor.ViolationEvent) error {
	var details sql.NullString
	if event.Details != nil {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO violations (
		violation_id, session_id, kind, message, timestamp, frame_number, details
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.SessionID, string(event.Kind), event.Message,
		event.Timestamp.UTC().Format(time.RFC3339Nano), int64(event.FrameNumber), details,
	)
	if err != nil {
		return fmt.Errorf("failed to insert violation: %w", err)
	}
	return nil
}

// ListViolations returns the violations of a session in emission order.
func (s *SQLiteStore) ListViolations(ctx context.Context, sessionID string) ([]proctor.ViolationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT violation_id, session_id, kind, message, timestamp, frame_number, details
		FROM violations
		WHERE session_id = ?
		ORDER BY rowid ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	events := []proctor.ViolationEvent{}
	for rows.Next() {
		var (
			e         proctor.ViolationEvent
			kind      string
			timestamp string
			frameNum  int64
			details   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &e.Message, &timestamp, &frameNum, &details); err != nil {
			return nil, err
		}
		e.Kind = proctor.ViolationKind(kind)
		e.FrameNumber = uint64(frameNum)
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
			return nil, fmt.Errorf("parse timestamp of %s: %w", e.ID, err)
		}
		if details.Valid {
			if e.Details, err = proctor.DecodeDetails(e.Kind, json.RawMessage(details.String)); err != nil {
				return nil, err
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// StartSession records a new session.
func (s *SQLiteStore) StartSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (session_id, exam_id, student_id, started_at)
		VALUES (?, ?, ?, ?)`,
		rec.ID, rec.ExamID, rec.StudentID, rec.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// EndSession marks a session as finished.
func (s *SQLiteStore) EndSession(ctx context.Context, id string, at time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ?, end_reason = ?
		WHERE session_id = ? AND ended_at IS NULL`,
		at.UTC().Format(time.RFC3339Nano), reason, id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found or already ended", id)
	}
	return nil
}

// GetSession returns a session record with its violation count.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.session_id, s.exam_id, s.student_id, s.started_at, s.ended_at, s.end_reason,
			(SELECT COUNT(*) FROM violations v WHERE v.session_id = s.session_id)
		FROM sessions s
		WHERE s.session_id = ?`, id)

	var (
		rec       SessionRecord
		startedAt string
		endedAt   sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.ExamID, &rec.StudentID, &startedAt, &endedAt, &rec.EndReason, &rec.Violations); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session %s not found", id)
		}
		return nil, err
	}
	var err error
	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		if rec.EndedAt, err = time.Parse(time.RFC3339Nano, endedAt.String); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}
