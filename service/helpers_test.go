package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/attendance/adapters/metrics"
	"github.com/layer-3/attendance/adapters/store"
	"github.com/layer-3/attendance/adapters/tokenizer"
	"github.com/layer-3/attendance/core"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("connection reset by peer")

// faultStore wraps the memory store with failure injection and call hooks
type faultStore struct {
	*store.MemoryStore

	mu            sync.Mutex
	failAny       int // the next N reads, updates or activations fail
	failReads     int
	failUpdates   int
	failActivates int
	staleUpdates  int // the next N updates return isActive=false without writing
	rejectRPC     int // the next N activations return false
	deleted       bool // session reads and writes report ErrSessionNotFound

	reads     int
	updates   int
	activates int

	beforeInsert   func()
	beforeActivate func()
}

func newFaultStore() *faultStore {
	return &faultStore{MemoryStore: store.NewMemoryStore()}
}

func take(n *int) bool {
	if *n > 0 {
		*n--
		return true
	}
	return false
}

func (f *faultStore) ReadSession(ctx context.Context, sessionID string) (core.Session, error) {
	f.mu.Lock()
	f.reads++
	fail := take(&f.failAny) || take(&f.failReads)
	deleted := f.deleted
	f.mu.Unlock()

	if fail {
		return core.Session{}, errStoreDown
	}
	if deleted {
		return core.Session{}, core.ErrSessionNotFound
	}
	return f.MemoryStore.ReadSession(ctx, sessionID)
}

func (f *faultStore) UpdateSession(ctx context.Context, sessionID string, update core.SessionUpdate) (core.Session, error) {
	f.mu.Lock()
	f.updates++
	fail := take(&f.failAny) || take(&f.failUpdates)
	stale := !fail && take(&f.staleUpdates)
	deleted := f.deleted
	f.mu.Unlock()

	if fail {
		return core.Session{}, errStoreDown
	}
	if deleted {
		return core.Session{}, core.ErrSessionNotFound
	}
	if stale {
		session, err := f.MemoryStore.ReadSession(ctx, sessionID)
		session.IsActive = false
		return session, err
	}
	return f.MemoryStore.UpdateSession(ctx, sessionID, update)
}

func (f *faultStore) ActivateSession(ctx context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	f.activates++
	fail := take(&f.failAny) || take(&f.failActivates)
	reject := !fail && take(&f.rejectRPC)
	hook := f.beforeActivate
	deleted := f.deleted
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if fail {
		return false, errStoreDown
	}
	if deleted {
		return false, core.ErrSessionNotFound
	}
	if reject {
		return false, nil
	}
	return f.MemoryStore.ActivateSession(ctx, sessionID)
}

func (f *faultStore) InsertAttendance(ctx context.Context, record core.AttendanceRecord) error {
	f.mu.Lock()
	hook := f.beforeInsert
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return f.MemoryStore.InsertAttendance(ctx, record)
}

func (f *faultStore) set(fn func(f *faultStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *faultStore) counts() (reads, updates, activates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads, f.updates, f.activates
}

// recordingMetrics keeps the labels it was called with
type recordingMetrics struct {
	metrics.Nop

	mu          sync.Mutex
	scans       []string
	activations []string
}

func (m *recordingMetrics) ScanOutcome(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans = append(m.scans, reason)
}

func (m *recordingMetrics) ActivationAttempt(strategy string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := "fail"
	if ok {
		result = "ok"
	}
	m.activations = append(m.activations, strategy+":"+result)
}

func (m *recordingMetrics) activationLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.activations...)
}

func (m *recordingMetrics) scanLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.scans...)
}

// recordingPublisher keeps every published event
type recordingPublisher struct {
	mu        sync.Mutex
	records   []core.AttendanceRecord
	snapshots []core.LivenessSnapshot
}

func (p *recordingPublisher) PublishAttendanceRecorded(_ context.Context, record core.AttendanceRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, record)
	return nil
}

func (p *recordingPublisher) PublishSessionStatus(_ context.Context, snapshot core.LivenessSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, snapshot)
	return nil
}

func (p *recordingPublisher) recorded() []core.AttendanceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.AttendanceRecord(nil), p.records...)
}

func (p *recordingPublisher) statuses() []core.LivenessSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.LivenessSnapshot(nil), p.snapshots...)
}

// snapshotRecorder is a StatusObserver keeping every snapshot
type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []core.LivenessSnapshot
}

func (r *snapshotRecorder) observe(s core.LivenessSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *snapshotRecorder) all() []core.LivenessSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.LivenessSnapshot(nil), r.snaps...)
}

// fakeClock is a settable clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// funcStrategy adapts a function to ActivationStrategy
type funcStrategy struct {
	name string
	fn   func(ctx context.Context, sessionID string) error
}

func (s funcStrategy) Name() string { return s.name }

func (s funcStrategy) Activate(ctx context.Context, sessionID string) error {
	return s.fn(ctx, sessionID)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastLiveness keeps every delay short enough for tests
func fastLiveness() LivenessConfig {
	return LivenessConfig{
		HeartbeatInterval: time.Hour,
		Debounce:          0,
		StoreTimeout:      time.Second,
		MaxAttempts:       3,
		Backoff:           time.Millisecond,
		RaceRepeatDelay:   5 * time.Millisecond,
	}
}

const testSecret = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func seedSession(t *testing.T, s interface {
	CreateSession(context.Context, core.Session) error
}, active bool) core.Session {
	t.Helper()
	session := core.Session{
		ID:        "session-1",
		IssuerID:  "issuer-1",
		ClassID:   "class-1",
		Secret:    testSecret,
		IsActive:  active,
		StartTime: time.UnixMilli(0),
		CreatedAt: time.UnixMilli(0),
	}
	require.NoError(t, s.CreateSession(context.Background(), session))
	return session
}

func newTokenizer() *tokenizer.HMACTokenizer {
	return tokenizer.NewHMACTokenizer()
}
