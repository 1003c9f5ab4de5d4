package core

import (
	"log/slog"
	"time"
)

// Session represents one attendance session owned by an issuer
type Session struct {
	ID        string     // Unique session identifier
	IssuerID  string     // Identity of the issuer that owns the session
	ClassID   string     // Class the session belongs to
	Secret    string     // Per-session signing secret, generated once at creation
	IsActive  bool       // Durable liveness flag maintained by the issuer side
	StartTime time.Time  // When the session was last started, the creation time until then
	EndTime   *time.Time // When the session was stopped, nil while running
	CreatedAt time.Time  // When the session row was created
}

// LogValue keeps the secret out of structured logs.
func (s Session) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", s.ID),
		slog.String("issuer_id", s.IssuerID),
		slog.String("class_id", s.ClassID),
		slog.Bool("is_active", s.IsActive),
	)
}

// SessionUpdate is a partial write against a session row.
// Nil fields are left untouched; ClearEndTime writes endTime=null.
type SessionUpdate struct {
	IsActive     *bool
	StartTime    *time.Time
	EndTime      *time.Time
	ClearEndTime bool
}

// ActivateUpdate sets isActive=true and endTime=null.
func ActivateUpdate() SessionUpdate {
	active := true
	return SessionUpdate{IsActive: &active, ClearEndTime: true}
}

// DeactivateUpdate sets isActive=false and endTime=now.
func DeactivateUpdate(now time.Time) SessionUpdate {
	active := false
	return SessionUpdate{IsActive: &active, EndTime: &now}
}

// Apply returns a copy of s with the update applied.
func (u SessionUpdate) Apply(s Session) Session {
	if u.IsActive != nil {
		s.IsActive = *u.IsActive
	}
	if u.StartTime != nil {
		s.StartTime = *u.StartTime
	}
	if u.ClearEndTime {
		s.EndTime = nil
	}
	if u.EndTime != nil {
		end := *u.EndTime
		s.EndTime = &end
	}
	return s
}

// AttendanceRecord marks one participant present in one session
type AttendanceRecord struct {
	ID            string    // Unique record identifier
	SessionID     string    // Session the participant attended
	ParticipantID string    // Identity of the scanning participant
	Timestamp     time.Time // When the scan was accepted
}
