package ports

import (
	"context"

	"github.com/layer-3/attendance/core"
)

// StoreGateway is the only durable holder of session and attendance state.
// Implementations may be eventually consistent; callers retry.
type StoreGateway interface {
	// CreateSession inserts a new session row
	CreateSession(ctx context.Context, session core.Session) error

	// ReadSession returns core.ErrSessionNotFound when the row is missing
	ReadSession(ctx context.Context, sessionID string) (core.Session, error)

	// UpdateSession applies a partial update and returns the confirmed row
	UpdateSession(ctx context.Context, sessionID string, update core.SessionUpdate) (core.Session, error)

	// ActivateSession is the atomic server-side activation procedure
	ActivateSession(ctx context.Context, sessionID string) (bool, error)

	// InsertAttendance returns core.ErrAttendanceExists if the pair is already recorded
	InsertAttendance(ctx context.Context, record core.AttendanceRecord) error

	// FindAttendance returns core.ErrAttendanceNotFound when no record exists
	FindAttendance(ctx context.Context, sessionID, participantID string) (core.AttendanceRecord, error)

	// ListAttendance returns every record of a session ordered by timestamp
	ListAttendance(ctx context.Context, sessionID string) ([]core.AttendanceRecord, error)
}
