package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/layer-3/attendance/adapters/metrics"
	"github.com/layer-3/attendance/core"
	"github.com/layer-3/attendance/ports"
	"golang.org/x/sync/singleflight"
)

// LivenessConfig holds the timings of one Manager
type LivenessConfig struct {
	HeartbeatInterval time.Duration
	Debounce          time.Duration
	StoreTimeout      time.Duration
	MaxAttempts       int
	Backoff           time.Duration
	RaceRepeatDelay   time.Duration
}

// DefaultLivenessConfig returns the protocol defaults
func DefaultLivenessConfig() LivenessConfig {
	return LivenessConfig{
		HeartbeatInterval: 7 * time.Second,
		Debounce:          5 * time.Second,
		StoreTimeout:      3 * time.Second,
		MaxAttempts:       3,
		Backoff:           250 * time.Millisecond,
		RaceRepeatDelay:   time.Second,
	}
}

const activationKey = "activate"

// StatusObserver receives the snapshot after every liveness attempt
type StatusObserver func(core.LivenessSnapshot)

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithLogger sets the logger used for liveness events
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the sink for heartbeat and activation metrics
func WithMetrics(metrics ports.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithObserver registers a callback receiving every published snapshot
func WithObserver(observer StatusObserver) ManagerOption {
	return func(m *Manager) { m.observer = observer }
}

// WithClock replaces time.Now, for debounce and deactivate timestamps
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithStrategies replaces the default activation strategies
func WithStrategies(strategies ...ActivationStrategy) ManagerOption {
	return func(m *Manager) { m.strategies = strategies }
}

// Manager drives one session's durable isActive flag toward true until stopped.
//
// The heartbeat loop and forced activations share one in-flight activation:
// concurrent callers join the outstanding attempt instead of starting another.
// A new attempt never begins within the debounce window after the previous
// one completed; callers inside the window get the last known snapshot.
//
// A session missing from the store is terminal: the loop ends without a
// deactivate write, Done is closed and Err reports the cause.
type Manager struct {
	sessionID  string
	store      ports.StoreGateway
	cfg        LivenessConfig
	policy     *ActivationPolicy
	strategies []ActivationStrategy
	logger     *slog.Logger
	metrics    ports.Metrics
	observer   StatusObserver
	now        func() time.Time

	inflight singleflight.Group

	mu            sync.Mutex
	snapshot      core.LivenessSnapshot
	lastCompleted time.Time
	started       bool
	stopped       bool
	lost          error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	done     chan struct{}
	doneOnce sync.Once
}

// NewManager creates a manager for sessionID. Nothing runs until Start.
func NewManager(sessionID string, store ports.StoreGateway, cfg LivenessConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessionID: sessionID,
		store:     store,
		cfg:       cfg,
		logger:    slog.Default(),
		metrics:   metrics.Nop{},
		now:       time.Now,
		done:      make(chan struct{}),
		snapshot: core.LivenessSnapshot{
			SessionID: sessionID,
			State:     core.StateUnknown,
			Status:    core.StatusUnknown,
		},
	}
	for _, opt := range opts {
		opt(m)
	}

	m.policy = NewActivationPolicy(store, cfg, m.metrics, m.logger)
	if len(m.strategies) > 0 {
		m.policy.Strategies = m.strategies
	}
	return m
}

// Snapshot returns the latest state
func (m *Manager) Snapshot() core.LivenessSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Done is closed once the manager has stopped or found its session missing
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns the error wrapping core.ErrSessionNotFound when the session
// disappeared from the store, nil otherwise
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lost
}

// Start moves the manager to Checking and starts the heartbeat loop, whose
// first action is the initial store check
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return core.ErrSessionNotRunning
	}
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("liveness manager for %s already started", m.sessionID)
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.setStateLocked(core.StateChecking)
	snap := m.snapshot
	m.wg.Add(1)
	m.mu.Unlock()

	m.publish(snap)
	go m.run()
	return nil
}

func (m *Manager) run() {
	defer m.wg.Done()

	m.check()

	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultLivenessConfig().HeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// check reads the session once and either confirms Active or starts activation
func (m *Manager) check() {
	ctx, cancel := withTimeout(m.ctx, m.cfg.StoreTimeout)
	session, err := m.store.ReadSession(ctx, m.sessionID)
	cancel()

	if errors.Is(err, core.ErrSessionNotFound) {
		m.markLost(storeError("read session", err))
		return
	}

	if err == nil && session.IsActive {
		m.mu.Lock()
		m.setStateLocked(core.StateActive)
		m.snapshot.Failures = 0
		m.snapshot.LastError = ""
		snap := m.snapshot
		m.mu.Unlock()

		m.logger.InfoContext(m.ctx, "liveness.check.active", "session_id", m.sessionID)
		m.publish(snap)
		return
	}

	m.mu.Lock()
	m.setStateLocked(core.StateReactivating)
	if err != nil {
		m.snapshot.LastError = storeError("read session", err).Error()
	}
	snap := m.snapshot
	m.mu.Unlock()

	m.logger.InfoContext(m.ctx, "liveness.check.inactive", "session_id", m.sessionID, "error", err)
	m.publish(snap)
	m.tryActivate(m.ctx)
}

// tick is one heartbeat: a refresh write while Active, an activation attempt otherwise
func (m *Manager) tick() {
	m.mu.Lock()
	state := m.snapshot.State
	m.mu.Unlock()

	if state != core.StateActive {
		m.tryActivate(m.ctx)
		return
	}

	ctx, cancel := withTimeout(m.ctx, m.cfg.StoreTimeout)
	session, err := m.store.UpdateSession(ctx, m.sessionID, core.ActivateUpdate())
	cancel()

	if m.ctx.Err() != nil {
		return
	}
	if errors.Is(err, core.ErrSessionNotFound) {
		m.metrics.Heartbeat(false)
		m.markLost(storeError("heartbeat", err))
		return
	}

	if err == nil && session.IsActive {
		m.metrics.Heartbeat(true)

		m.mu.Lock()
		m.snapshot.Failures = 0
		m.snapshot.LastError = ""
		snap := m.snapshot
		m.mu.Unlock()

		m.logger.DebugContext(m.ctx, "liveness.heartbeat.ok", "session_id", m.sessionID)
		m.publish(snap)
		return
	}

	if err == nil {
		err = fmt.Errorf("heartbeat: %w", ErrNotConfirmed)
	} else {
		err = storeError("heartbeat", err)
	}
	m.metrics.Heartbeat(false)

	m.mu.Lock()
	m.snapshot.Failures++
	m.snapshot.LastError = err.Error()
	m.setStateLocked(core.StateReactivating)
	snap := m.snapshot
	m.mu.Unlock()

	m.logger.WarnContext(m.ctx, "liveness.heartbeat.fail", "session_id", m.sessionID, "failures", snap.Failures, "error", err)
	m.publish(snap)
	m.tryActivate(m.ctx)
}

// Activate requests an immediate activation attempt and returns the snapshot
// it produced, or the last known snapshot inside the debounce window.
// Cancelling ctx abandons the wait, not the attempt.
func (m *Manager) Activate(ctx context.Context) (core.LivenessSnapshot, error) {
	m.mu.Lock()
	running := m.started && !m.stopped
	m.mu.Unlock()
	if !running {
		return m.Snapshot(), core.ErrSessionNotRunning
	}
	return m.tryActivate(ctx)
}

func (m *Manager) tryActivate(ctx context.Context) (core.LivenessSnapshot, error) {
	m.mu.Lock()
	if m.stopped {
		snap := m.snapshot
		m.mu.Unlock()
		return snap, core.ErrSessionNotRunning
	}
	if m.lost != nil {
		snap, err := m.snapshot, m.lost
		m.mu.Unlock()
		return snap, err
	}
	if m.debouncedLocked() {
		snap := m.snapshot
		m.mu.Unlock()
		m.logger.DebugContext(ctx, "liveness.activate.debounced", "session_id", m.sessionID)
		return snap, nil
	}
	// Covers the gap until the attempt is registered, so Stop can wait for it.
	m.wg.Add(1)
	m.mu.Unlock()

	ch := m.inflight.DoChan(activationKey, func() (any, error) {
		return m.activate(), nil
	})
	m.wg.Done()

	select {
	case res := <-ch:
		return res.Val.(core.LivenessSnapshot), m.Err()
	case <-ctx.Done():
		return m.Snapshot(), ctx.Err()
	}
}

// activate runs the policy once and records its outcome
func (m *Manager) activate() core.LivenessSnapshot {
	m.mu.Lock()
	if m.lost != nil || m.debouncedLocked() {
		snap := m.snapshot
		m.mu.Unlock()
		return snap
	}
	if m.snapshot.State != core.StateReactivating {
		m.setStateLocked(core.StateReactivating)
	}
	m.mu.Unlock()

	strategy, err := m.policy.Run(m.ctx, m.sessionID)
	if errors.Is(err, core.ErrSessionNotFound) {
		m.mu.Lock()
		m.lastCompleted = m.now()
		m.snapshot.LastAttempt = m.lastCompleted
		m.mu.Unlock()
		return m.markLost(err)
	}

	m.mu.Lock()
	m.lastCompleted = m.now()
	m.snapshot.LastAttempt = m.lastCompleted
	if err == nil {
		m.setStateLocked(core.StateActive)
		m.snapshot.Failures = 0
		m.snapshot.LastError = ""
	} else {
		m.setStateLocked(core.StateInactive)
		m.snapshot.Failures++
		m.snapshot.LastError = err.Error()
	}
	snap := m.snapshot
	m.mu.Unlock()

	if err == nil {
		m.logger.InfoContext(m.ctx, "liveness.activate.ok", "session_id", m.sessionID, "strategy", strategy)
	} else if !errors.Is(err, context.Canceled) {
		m.logger.WarnContext(m.ctx, "liveness.activate.exhausted", "session_id", m.sessionID, "failures", snap.Failures, "error", err)
	}
	m.publish(snap)
	return snap
}

// Stop cancels the heartbeat, waits for the loop and any in-flight activation,
// then issues one final deactivate write. No store writes happen after it returns.
func (m *Manager) Stop(ctx context.Context) (core.LivenessSnapshot, error) {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.stopped = true
		snap := m.snapshot
		m.mu.Unlock()
		m.finish()
		return snap, nil
	}
	m.stopped = true
	m.mu.Unlock()
	defer m.finish()

	m.cancel()
	m.wg.Wait()
	// Joins the outstanding activation, if any.
	m.inflight.Do(activationKey, func() (any, error) { return m.Snapshot(), nil })

	m.mu.Lock()
	if m.lost != nil {
		// Nothing left to deactivate.
		m.snapshot.Stopped = true
		snap := m.snapshot
		m.mu.Unlock()

		m.logger.InfoContext(ctx, "liveness.stop", "session_id", m.sessionID, "lost", true)
		m.publish(snap)
		m.metrics.ForgetSession(m.sessionID)
		return snap, nil
	}
	m.mu.Unlock()

	wctx, cancel := withTimeout(context.WithoutCancel(ctx), m.cfg.StoreTimeout)
	_, err := m.store.UpdateSession(wctx, m.sessionID, core.DeactivateUpdate(m.now()))
	cancel()
	err = storeError("deactivate", err)

	m.mu.Lock()
	m.setStateLocked(core.StateInactive)
	m.snapshot.Stopped = true
	if err != nil {
		m.snapshot.LastError = err.Error()
	} else {
		m.snapshot.LastError = ""
	}
	snap := m.snapshot
	m.mu.Unlock()

	if err != nil {
		m.logger.ErrorContext(ctx, "liveness.stop.deactivate_fail", "session_id", m.sessionID, "error", err)
	} else {
		m.logger.InfoContext(ctx, "liveness.stop", "session_id", m.sessionID)
	}
	m.publish(snap)
	m.metrics.ForgetSession(m.sessionID)
	return snap, err
}

// markLost records that the session no longer exists and ends the heartbeat loop
func (m *Manager) markLost(err error) core.LivenessSnapshot {
	m.mu.Lock()
	m.lost = err
	m.setStateLocked(core.StateInactive)
	m.snapshot.Failures++
	m.snapshot.LastError = err.Error()
	snap := m.snapshot
	m.mu.Unlock()

	m.logger.ErrorContext(m.ctx, "liveness.session.lost", "session_id", m.sessionID, "error", err)
	m.cancel()
	m.publish(snap)
	m.finish()
	return snap
}

func (m *Manager) finish() {
	m.doneOnce.Do(func() { close(m.done) })
}

func (m *Manager) debouncedLocked() bool {
	return !m.lastCompleted.IsZero() && m.now().Sub(m.lastCompleted) < m.cfg.Debounce
}

func (m *Manager) setStateLocked(state core.LivenessState) {
	m.snapshot.State = state
	m.snapshot.Status = state.Status()
}

func (m *Manager) publish(snap core.LivenessSnapshot) {
	m.metrics.LivenessState(m.sessionID, snap.State)
	if m.observer != nil {
		m.observer(snap)
	}
}
