// Package storetest is a conformance suite for ports.StoreGateway implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/attendance/core"
	"github.com/layer-3/attendance/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreFactory creates a new, empty StoreGateway for one subtest.
type StoreFactory func(t *testing.T) ports.StoreGateway

// RunStoreGatewayTests runs the complete StoreGateway suite against the provided factory.
func RunStoreGatewayTests(t *testing.T, factory StoreFactory) {
	t.Run("Sessions_CreateAndRead", func(t *testing.T) { testCreateAndRead(t, factory) })
	t.Run("Sessions_CreateDuplicateKeepsOriginal", func(t *testing.T) { testCreateDuplicate(t, factory) })
	t.Run("Sessions_ReadMissing", func(t *testing.T) { testReadMissing(t, factory) })
	t.Run("Sessions_UpdateActivateDeactivate", func(t *testing.T) { testUpdate(t, factory) })
	t.Run("Sessions_UpdateMissing", func(t *testing.T) { testUpdateMissing(t, factory) })
	t.Run("Sessions_PartialUpdateKeepsOtherFields", func(t *testing.T) { testPartialUpdate(t, factory) })
	t.Run("Sessions_UpdateStartTime", func(t *testing.T) { testUpdateStartTime(t, factory) })
	t.Run("Sessions_ActivateProcedure", func(t *testing.T) { testActivateProcedure(t, factory) })
	t.Run("Sessions_ActivateMissing", func(t *testing.T) { testActivateMissing(t, factory) })

	t.Run("Attendance_InsertAndFind", func(t *testing.T) { testInsertAndFind(t, factory) })
	t.Run("Attendance_FindMissing", func(t *testing.T) { testFindMissing(t, factory) })
	t.Run("Attendance_DuplicateInsertConflicts", func(t *testing.T) { testDuplicateInsert(t, factory) })
	t.Run("Attendance_ConcurrentInsertsExactlyOnce", func(t *testing.T) { testConcurrentInserts(t, factory) })
	t.Run("Attendance_ListOrdered", func(t *testing.T) { testList(t, factory) })
}

func newSession(now time.Time) core.Session {
	return core.Session{
		ID:        uuid.NewString(),
		IssuerID:  "issuer-1",
		ClassID:   "class-1",
		Secret:    "0123456789abcdef0123456789abcdef",
		IsActive:  false,
		StartTime: now,
		CreatedAt: now,
	}
}

func testNow() time.Time {
	return time.UnixMilli(time.Now().UnixMilli())
}

func createSession(t *testing.T, s ports.StoreGateway) core.Session {
	t.Helper()
	session := newSession(testNow())
	require.NoError(t, s.CreateSession(context.Background(), session))
	return session
}

func testCreateAndRead(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	want := createSession(t, s)

	got, err := s.ReadSession(ctx, want.ID)
	require.NoError(t, err)

	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.IssuerID, got.IssuerID)
	assert.Equal(t, want.ClassID, got.ClassID)
	assert.Equal(t, want.Secret, got.Secret)
	assert.False(t, got.IsActive)
	assert.Nil(t, got.EndTime)
	assert.Equal(t, want.StartTime.UnixMilli(), got.StartTime.UnixMilli())
	assert.Equal(t, want.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
}

func testCreateDuplicate(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	original := createSession(t, s)

	dup := newSession(testNow())
	dup.ID = original.ID
	dup.Secret = "fedcba9876543210fedcba9876543210"
	dup.IsActive = true
	require.Error(t, s.CreateSession(ctx, dup))

	got, err := s.ReadSession(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, original.Secret, got.Secret)
	assert.False(t, got.IsActive)
}

func testReadMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)

	_, err := s.ReadSession(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func testUpdate(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	session := createSession(t, s)

	active, err := s.UpdateSession(ctx, session.ID, core.ActivateUpdate())
	require.NoError(t, err)
	assert.True(t, active.IsActive)
	assert.Nil(t, active.EndTime)

	end := testNow()
	stopped, err := s.UpdateSession(ctx, session.ID, core.DeactivateUpdate(end))
	require.NoError(t, err)
	assert.False(t, stopped.IsActive)
	require.NotNil(t, stopped.EndTime)
	assert.Equal(t, end.UnixMilli(), stopped.EndTime.UnixMilli())

	read, err := s.ReadSession(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, read.IsActive)
	require.NotNil(t, read.EndTime)

	reactivated, err := s.UpdateSession(ctx, session.ID, core.ActivateUpdate())
	require.NoError(t, err)
	assert.True(t, reactivated.IsActive)
	assert.Nil(t, reactivated.EndTime)
}

func testUpdateMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)

	_, err := s.UpdateSession(context.Background(), uuid.NewString(), core.ActivateUpdate())
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func testPartialUpdate(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	session := createSession(t, s)

	end := testNow()
	_, err := s.UpdateSession(ctx, session.ID, core.SessionUpdate{EndTime: &end})
	require.NoError(t, err)

	active := true
	got, err := s.UpdateSession(ctx, session.ID, core.SessionUpdate{IsActive: &active})
	require.NoError(t, err)

	assert.True(t, got.IsActive)
	require.NotNil(t, got.EndTime, "end time must survive an update that does not touch it")
	assert.Equal(t, end.UnixMilli(), got.EndTime.UnixMilli())
	assert.Equal(t, session.ClassID, got.ClassID)
	assert.Equal(t, session.Secret, got.Secret)
}

func testUpdateStartTime(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	session := createSession(t, s)

	started := session.StartTime.Add(90 * time.Second)
	got, err := s.UpdateSession(ctx, session.ID, core.SessionUpdate{StartTime: &started})
	require.NoError(t, err)
	assert.Equal(t, started.UnixMilli(), got.StartTime.UnixMilli())
	assert.Equal(t, session.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
	assert.False(t, got.IsActive)

	read, err := s.ReadSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, started.UnixMilli(), read.StartTime.UnixMilli())

	got, err = s.UpdateSession(ctx, session.ID, core.ActivateUpdate())
	require.NoError(t, err)
	assert.Equal(t, started.UnixMilli(), got.StartTime.UnixMilli(), "start time survives an update that does not touch it")
}

func testActivateProcedure(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	session := createSession(t, s)

	_, err := s.UpdateSession(ctx, session.ID, core.DeactivateUpdate(testNow()))
	require.NoError(t, err)

	ok, err := s.ActivateSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	read, err := s.ReadSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, read.IsActive)
	assert.Nil(t, read.EndTime)
}

func testActivateMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)

	ok, err := s.ActivateSession(context.Background(), uuid.NewString())
	assert.False(t, ok)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func newRecord(sessionID, participantID string) core.AttendanceRecord {
	return core.AttendanceRecord{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		ParticipantID: participantID,
		Timestamp:     testNow(),
	}
}

func testInsertAndFind(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	session := createSession(t, s)

	rec := newRecord(session.ID, "participant-1")
	require.NoError(t, s.InsertAttendance(ctx, rec))

	got, err := s.FindAttendance(ctx, session.ID, "participant-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.SessionID, got.SessionID)
	assert.Equal(t, rec.ParticipantID, got.ParticipantID)
	assert.Equal(t, rec.Timestamp.UnixMilli(), got.Timestamp.UnixMilli())
}

func testFindMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	session := createSession(t, s)

	_, err := s.FindAttendance(context.Background(), session.ID, "nobody")
	assert.ErrorIs(t, err, core.ErrAttendanceNotFound)
}

func testDuplicateInsert(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	session := createSession(t, s)

	first := newRecord(session.ID, "participant-1")
	require.NoError(t, s.InsertAttendance(ctx, first))

	err := s.InsertAttendance(ctx, newRecord(session.ID, "participant-1"))
	assert.ErrorIs(t, err, core.ErrAttendanceExists)

	got, err := s.FindAttendance(ctx, session.ID, "participant-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID, "the first insert wins")

	// The same participant in another session is a different pair.
	other := createSession(t, s)
	require.NoError(t, s.InsertAttendance(ctx, newRecord(other.ID, "participant-1")))
}

func testConcurrentInserts(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	session := createSession(t, s)

	const writers = 16
	var (
		created   atomic.Int32
		conflicts atomic.Int32
		wg        sync.WaitGroup
		start     = make(chan struct{})
		errs      = make(chan error, writers)
	)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := s.InsertAttendance(ctx, newRecord(session.ID, "participant-1"))
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, core.ErrAttendanceExists):
				conflicts.Add(1)
			default:
				errs <- err
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected insert error: %v", err)
	}
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(writers-1), conflicts.Load())

	records, err := s.ListAttendance(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func testList(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	session := createSession(t, s)

	empty, err := s.ListAttendance(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, empty)

	base := testNow()
	for i := 2; i >= 0; i-- {
		rec := newRecord(session.ID, fmt.Sprintf("participant-%d", i))
		rec.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.InsertAttendance(ctx, rec))
	}

	records, err := s.ListAttendance(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, fmt.Sprintf("participant-%d", i), rec.ParticipantID)
	}
}
