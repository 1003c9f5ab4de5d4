package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/layer-3/attendance/core"
	"github.com/layer-3/attendance/ports"
)

// MemoryStore is an in-memory implementation of the StoreGateway interface.
// Attendance uniqueness is enforced under the write lock.
type MemoryStore struct {
	sessions   map[string]core.Session
	attendance map[string]map[string]core.AttendanceRecord // sessionID -> participantID -> record
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]core.Session),
		attendance: make(map[string]map[string]core.AttendanceRecord),
	}
}

var _ ports.StoreGateway = (*MemoryStore)(nil)

// CreateSession inserts a new session
func (s *MemoryStore) CreateSession(ctx context.Context, session core.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	s.sessions[session.ID] = session
	return nil
}

// ReadSession returns a session by ID
func (s *MemoryStore) ReadSession(ctx context.Context, sessionID string) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return core.Session{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return core.Session{}, core.ErrSessionNotFound
	}
	return session, nil
}

// UpdateSession applies a partial update and returns the stored row
func (s *MemoryStore) UpdateSession(ctx context.Context, sessionID string, update core.SessionUpdate) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return core.Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return core.Session{}, core.ErrSessionNotFound
	}
	session = update.Apply(session)
	s.sessions[sessionID] = session
	return session, nil
}

// ActivateSession sets isActive=true, endTime=null in one step
func (s *MemoryStore) ActivateSession(ctx context.Context, sessionID string) (bool, error) {
	session, err := s.UpdateSession(ctx, sessionID, core.ActivateUpdate())
	if err != nil {
		return false, err
	}
	return session.IsActive, nil
}

// InsertAttendance records a participant unless the pair already exists
func (s *MemoryStore) InsertAttendance(ctx context.Context, record core.AttendanceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bySession, ok := s.attendance[record.SessionID]
	if !ok {
		bySession = make(map[string]core.AttendanceRecord)
		s.attendance[record.SessionID] = bySession
	}
	if _, exists := bySession[record.ParticipantID]; exists {
		return core.ErrAttendanceExists
	}
	bySession[record.ParticipantID] = record
	return nil
}

// FindAttendance returns the record for a pair
func (s *MemoryStore) FindAttendance(ctx context.Context, sessionID, participantID string) (core.AttendanceRecord, error) {
	if err := ctx.Err(); err != nil {
		return core.AttendanceRecord{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.attendance[sessionID][participantID]
	if !exists {
		return core.AttendanceRecord{}, core.ErrAttendanceNotFound
	}
	return record, nil
}

// ListAttendance returns every record of a session ordered by timestamp
func (s *MemoryStore) ListAttendance(ctx context.Context, sessionID string) ([]core.AttendanceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]core.AttendanceRecord, 0, len(s.attendance[sessionID]))
	for _, record := range s.attendance[sessionID] {
		records = append(records, record)
	}
	sortRecords(records)
	return records, nil
}

func sortRecords(records []core.AttendanceRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].ID < records[j].ID
		}
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
}
