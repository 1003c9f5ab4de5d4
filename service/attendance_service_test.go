package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/layer-3/attendance/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	svc    *AttendanceService
	store  *faultStore
	events *recordingPublisher
}

func newServiceFixture(t *testing.T, rotation time.Duration) *serviceFixture {
	t.Helper()
	fs := newFaultStore()
	events := &recordingPublisher{}
	svc := NewAttendanceService(fs, newTokenizer(), events, nil, discardLogger(), Config{
		RotationInterval: rotation,
		Liveness:         fastLiveness(),
	})
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return &serviceFixture{svc: svc, store: fs, events: events}
}

func (f *serviceFixture) waitActive(t *testing.T, issuerID, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := f.svc.Status(context.Background(), issuerID, sessionID)
		return err == nil && snap.State == core.StateActive
	}, time.Second, 5*time.Millisecond)
}

func (f *serviceFixture) storedSession(t *testing.T, sessionID string) core.Session {
	t.Helper()
	session, err := f.store.MemoryStore.ReadSession(context.Background(), sessionID)
	require.NoError(t, err)
	return session
}

func TestAttendanceService_SessionLifecycle(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, "issuer-1", "class-1")
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Len(t, session.Secret, 64)
	assert.False(t, session.IsActive)

	_, err = f.svc.StartSession(ctx, "issuer-1", session.ID)
	require.NoError(t, err)
	f.waitActive(t, "issuer-1", session.ID)
	assert.True(t, f.storedSession(t, session.ID).IsActive)

	// Starting again is a no-op.
	snap, err := f.svc.StartSession(ctx, "issuer-1", session.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateActive, snap.State)

	issued, err := f.svc.CurrentToken(ctx, "issuer-1", session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, issued.Token.SessionID)
	assert.NotContains(t, issued.Payload, session.Secret)

	result, err := f.svc.Scan(ctx, issued.Payload, "participant-1")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeRecorded, result.Outcome)

	result, err = f.svc.Scan(ctx, issued.Payload, "participant-1")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeAlreadyRecorded, result.Outcome)

	records, err := f.svc.ListAttendance(ctx, "issuer-1", session.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "participant-1", records[0].ParticipantID)
	assert.Len(t, f.events.recorded(), 1)

	snap, err = f.svc.StopSession(ctx, "issuer-1", session.ID)
	require.NoError(t, err)
	assert.True(t, snap.Stopped)
	assert.Equal(t, core.StatusInactive, snap.Status)

	stored := f.storedSession(t, session.ID)
	assert.False(t, stored.IsActive)
	assert.NotNil(t, stored.EndTime)

	// The last token is still inside its window but the session is over.
	_, err = f.svc.Scan(ctx, issued.Payload, "participant-2")
	assert.ErrorIs(t, err, core.ErrSessionInactive)

	_, err = f.svc.CurrentToken(ctx, "issuer-1", session.ID)
	assert.ErrorIs(t, err, core.ErrSessionNotRunning)

	statuses := f.events.statuses()
	require.NotEmpty(t, statuses)
	assert.True(t, statuses[len(statuses)-1].Stopped)
}

func TestAttendanceService_CreateRequiresIdentity(t *testing.T) {
	f := newServiceFixture(t, time.Hour)

	_, err := f.svc.CreateSession(context.Background(), " ", "class-1")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	_, err = f.svc.CreateSession(context.Background(), "issuer-1", "")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestAttendanceService_OwnerChecks(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, "issuer-1", "class-1")
	require.NoError(t, err)

	_, err = f.svc.StartSession(ctx, "issuer-2", session.ID)
	assert.ErrorIs(t, err, core.ErrNotSessionOwner)

	_, err = f.svc.StartSession(ctx, "issuer-1", session.ID)
	require.NoError(t, err)

	_, err = f.svc.CurrentToken(ctx, "issuer-2", session.ID)
	assert.ErrorIs(t, err, core.ErrNotSessionOwner)
	_, err = f.svc.ForceActivate(ctx, "issuer-2", session.ID)
	assert.ErrorIs(t, err, core.ErrNotSessionOwner)
	_, err = f.svc.ListAttendance(ctx, "issuer-2", session.ID)
	assert.ErrorIs(t, err, core.ErrNotSessionOwner)
	_, err = f.svc.StopSession(ctx, "issuer-2", session.ID)
	assert.ErrorIs(t, err, core.ErrNotSessionOwner)
	_, _, err = f.svc.SubscribeTokens("issuer-2", session.ID)
	assert.ErrorIs(t, err, core.ErrNotSessionOwner)

	_, err = f.svc.StartSession(ctx, "issuer-1", "missing")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestAttendanceService_NewSessionSupersedesPrevious(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	ctx := context.Background()

	first, err := f.svc.CreateSession(ctx, "issuer-1", "class-1")
	require.NoError(t, err)
	second, err := f.svc.CreateSession(ctx, "issuer-1", "class-2")
	require.NoError(t, err)

	_, err = f.svc.StartSession(ctx, "issuer-1", first.ID)
	require.NoError(t, err)
	f.waitActive(t, "issuer-1", first.ID)

	_, err = f.svc.StartSession(ctx, "issuer-1", second.ID)
	require.NoError(t, err)
	f.waitActive(t, "issuer-1", second.ID)

	_, err = f.svc.CurrentToken(ctx, "issuer-1", first.ID)
	assert.ErrorIs(t, err, core.ErrSessionNotRunning)
	assert.False(t, f.storedSession(t, first.ID).IsActive)
	assert.True(t, f.storedSession(t, second.ID).IsActive)
}

func TestAttendanceService_StatusOfSessionNotRunning(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	ctx := context.Background()
	seedSession(t, f.store, true)

	snap, err := f.svc.Status(ctx, "issuer-1", "session-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, snap.Status)
	assert.False(t, snap.Stopped)

	snap, err = f.svc.StopSession(ctx, "issuer-1", "session-1")
	require.NoError(t, err)
	assert.True(t, snap.Stopped)

	snap, err = f.svc.Status(ctx, "issuer-1", "session-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusInactive, snap.Status)
	assert.True(t, snap.Stopped)

	_, err = f.svc.ForceActivate(ctx, "issuer-1", "session-1")
	assert.ErrorIs(t, err, core.ErrSessionNotRunning)
}

func TestAttendanceService_SubscribeTokens(t *testing.T) {
	f := newServiceFixture(t, 20*time.Millisecond)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, "issuer-1", "class-1")
	require.NoError(t, err)
	_, err = f.svc.StartSession(ctx, "issuer-1", session.ID)
	require.NoError(t, err)

	tokens, unsubscribe, err := f.svc.SubscribeTokens("issuer-1", session.ID)
	require.NoError(t, err)
	defer unsubscribe()

	seen := map[string]bool{}
	deadline := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case issued := <-tokens:
			seen[issued.Token.Signature] = true
		case <-deadline:
			t.Fatal("tokens did not rotate")
		}
	}

	_, err = f.svc.StopSession(ctx, "issuer-1", session.ID)
	require.NoError(t, err)
	for range tokens {
	}
}

func TestAttendanceService_Shutdown(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	ctx := context.Background()

	var ids []string
	for _, issuer := range []string{"issuer-1", "issuer-2"} {
		session, err := f.svc.CreateSession(ctx, issuer, "class-1")
		require.NoError(t, err)
		_, err = f.svc.StartSession(ctx, issuer, session.ID)
		require.NoError(t, err)
		f.waitActive(t, issuer, session.ID)
		ids = append(ids, session.ID)
	}

	require.NoError(t, f.svc.Shutdown(ctx))

	for _, id := range ids {
		stored := f.storedSession(t, id)
		assert.False(t, stored.IsActive)
		assert.NotNil(t, stored.EndTime)
	}
	_, err := f.svc.CurrentToken(ctx, "issuer-1", ids[0])
	assert.ErrorIs(t, err, core.ErrSessionNotRunning)
}

func TestAttendanceService_ScanRequiresStore(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, "issuer-1", "class-1")
	require.NoError(t, err)
	_, err = f.svc.StartSession(ctx, "issuer-1", session.ID)
	require.NoError(t, err)
	f.waitActive(t, "issuer-1", session.ID)

	issued, err := f.svc.CurrentToken(ctx, "issuer-1", session.ID)
	require.NoError(t, err)

	f.store.set(func(s *faultStore) { s.failReads = 100 })
	_, err = f.svc.Scan(ctx, issued.Payload, "participant-1")
	assert.ErrorIs(t, err, core.ErrTransientStore)

	// a single dropped read is retried within the same scan
	f.store.set(func(s *faultStore) { s.failReads = 1 })
	result, err := f.svc.Scan(ctx, issued.Payload, "participant-1")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeRecorded, result.Outcome)
}

func TestAttendanceService_DetachesRemovedSession(t *testing.T) {
	fs := newFaultStore()
	cfg := fastLiveness()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	svc := NewAttendanceService(fs, newTokenizer(), nil, nil, discardLogger(), Config{
		RotationInterval: time.Hour,
		Liveness:         cfg,
	})
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	f := &serviceFixture{svc: svc, store: fs}
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "issuer-1", "class-1")
	require.NoError(t, err)
	_, err = svc.StartSession(ctx, "issuer-1", session.ID)
	require.NoError(t, err)
	f.waitActive(t, "issuer-1", session.ID)

	fs.set(func(s *faultStore) { s.deleted = true })

	require.Eventually(t, func() bool {
		_, err := svc.CurrentToken(ctx, "issuer-1", session.ID)
		return errors.Is(err, core.ErrSessionNotRunning)
	}, time.Second, 5*time.Millisecond)

	_, updates, _ := fs.counts()
	time.Sleep(50 * time.Millisecond)
	_, after, _ := fs.counts()
	assert.Equal(t, updates, after, "a removed session is not retried")
}

func TestAttendanceService_StartRecordsStartTime(t *testing.T) {
	f := newServiceFixture(t, time.Hour)
	clock := newFakeClock(time.UnixMilli(1_700_000_000_000))
	f.svc.now = clock.Now
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, "issuer-1", "class-1")
	require.NoError(t, err)
	createdAt := clock.Now()

	clock.Advance(90 * time.Second)
	_, err = f.svc.StartSession(ctx, "issuer-1", session.ID)
	require.NoError(t, err)

	stored := f.storedSession(t, session.ID)
	assert.True(t, stored.StartTime.Equal(clock.Now()), "start time is the moment the session started")
	assert.True(t, stored.CreatedAt.Equal(createdAt))
}
