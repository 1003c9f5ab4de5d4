package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/layer-3/attendance/core"
	"github.com/layer-3/attendance/ports"
)

// Schema creates the tables and the activation function used by PostgresStore.
// The unique constraint on (session_id, participant_id) is what makes recording exactly-once.
const Schema = `
CREATE TABLE IF NOT EXISTS attendance_sessions (
	id          TEXT PRIMARY KEY,
	issuer_id   TEXT NOT NULL,
	class_id    TEXT NOT NULL,
	secret      TEXT NOT NULL,
	is_active   BOOLEAN NOT NULL DEFAULT FALSE,
	start_time  TIMESTAMPTZ NOT NULL,
	end_time    TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS attendance_sessions_issuer_idx ON attendance_sessions (issuer_id);

CREATE TABLE IF NOT EXISTS attendance_records (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL REFERENCES attendance_sessions (id),
	participant_id  TEXT NOT NULL,
	recorded_at     TIMESTAMPTZ NOT NULL,
	CONSTRAINT attendance_records_pair_key UNIQUE (session_id, participant_id)
);

CREATE OR REPLACE FUNCTION activate_session(p_session_id TEXT) RETURNS BOOLEAN AS $$
	UPDATE attendance_sessions
	   SET is_active = TRUE, end_time = NULL
	 WHERE id = p_session_id
	RETURNING is_active;
$$ LANGUAGE sql;
`

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const sessionColumns = `id, issuer_id, class_id, secret, is_active, start_time, end_time, created_at`

// PostgresStore is a Postgres implementation of the StoreGateway interface.
// The pool is owned by the caller.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new Postgres store
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

var _ ports.StoreGateway = (*PostgresStore)(nil)

// Migrate applies Schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// CreateSession inserts a new session row
func (s *PostgresStore) CreateSession(ctx context.Context, session core.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attendance_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		session.ID, session.IssuerID, session.ClassID, session.Secret,
		session.IsActive, session.StartTime, session.EndTime, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// ReadSession loads a session row
func (s *PostgresStore) ReadSession(ctx context.Context, sessionID string) (core.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = $1`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Session{}, core.ErrSessionNotFound
		}
		return core.Session{}, fmt.Errorf("failed to read session: %w", err)
	}
	return session, nil
}

// UpdateSession applies a partial update and returns the confirmed row
func (s *PostgresStore) UpdateSession(ctx context.Context, sessionID string, update core.SessionUpdate) (core.Session, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE attendance_sessions
		   SET is_active = COALESCE($2::boolean, is_active),
		       start_time = COALESCE($5::timestamptz, start_time),
		       end_time = CASE
		           WHEN $3::timestamptz IS NOT NULL THEN $3::timestamptz
		           WHEN $4::boolean THEN NULL
		           ELSE end_time
		       END
		 WHERE id = $1
		RETURNING `+sessionColumns,
		sessionID, update.IsActive, update.EndTime, update.ClearEndTime, update.StartTime,
	)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Session{}, core.ErrSessionNotFound
		}
		return core.Session{}, fmt.Errorf("failed to update session: %w", err)
	}
	return session, nil
}

// ActivateSession calls the activate_session function
func (s *PostgresStore) ActivateSession(ctx context.Context, sessionID string) (bool, error) {
	var active *bool
	if err := s.pool.QueryRow(ctx, `SELECT activate_session($1)`, sessionID).Scan(&active); err != nil {
		return false, fmt.Errorf("failed to activate session: %w", err)
	}
	if active == nil {
		return false, core.ErrSessionNotFound
	}
	return *active, nil
}

// InsertAttendance inserts a record, relying on the unique constraint for conflicts
func (s *PostgresStore) InsertAttendance(ctx context.Context, record core.AttendanceRecord) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO attendance_records (id, session_id, participant_id, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, participant_id) DO NOTHING`,
		record.ID, record.SessionID, record.ParticipantID, record.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return core.ErrAttendanceExists
			case pgForeignKeyViolation:
				return core.ErrSessionNotFound
			}
		}
		return fmt.Errorf("failed to insert attendance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrAttendanceExists
	}
	return nil
}

// FindAttendance returns the record for a pair
func (s *PostgresStore) FindAttendance(ctx context.Context, sessionID, participantID string) (core.AttendanceRecord, error) {
	var r core.AttendanceRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, session_id, participant_id, recorded_at
		  FROM attendance_records
		 WHERE session_id = $1 AND participant_id = $2`,
		sessionID, participantID,
	).Scan(&r.ID, &r.SessionID, &r.ParticipantID, &r.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.AttendanceRecord{}, core.ErrAttendanceNotFound
		}
		return core.AttendanceRecord{}, fmt.Errorf("failed to find attendance: %w", err)
	}
	return r, nil
}

// ListAttendance returns every record of a session ordered by timestamp
func (s *PostgresStore) ListAttendance(ctx context.Context, sessionID string) ([]core.AttendanceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, participant_id, recorded_at
		  FROM attendance_records
		 WHERE session_id = $1
		 ORDER BY recorded_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance: %w", err)
	}
	defer rows.Close()

	records := []core.AttendanceRecord{}
	for rows.Next() {
		var r core.AttendanceRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ParticipantID, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan attendance: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list attendance: %w", err)
	}
	return records, nil
}

func scanSession(row pgx.Row) (core.Session, error) {
	var (
		s   core.Session
		end *time.Time
	)
	if err := row.Scan(&s.ID, &s.IssuerID, &s.ClassID, &s.Secret, &s.IsActive, &s.StartTime, &end, &s.CreatedAt); err != nil {
		return core.Session{}, err
	}
	s.EndTime = end
	return s, nil
}
