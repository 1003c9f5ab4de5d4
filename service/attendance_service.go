package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/attendance/adapters/metrics"
	"github.com/layer-3/attendance/core"
	"github.com/layer-3/attendance/internal/logctx"
	"github.com/layer-3/attendance/ports"
)

// Config holds the protocol timings used by AttendanceService
type Config struct {
	RotationInterval time.Duration
	Liveness         LivenessConfig
}

// DefaultConfig returns the protocol defaults
func DefaultConfig() Config {
	return Config{
		RotationInterval: DefaultRotationInterval,
		Liveness:         DefaultLivenessConfig(),
	}
}

// runningSession is the in-memory machinery of one started session
type runningSession struct {
	session core.Session
	manager *Manager
	rotator *Rotator
}

func (rs *runningSession) stop(ctx context.Context) (core.LivenessSnapshot, error) {
	rs.rotator.Stop()
	return rs.manager.Stop(ctx)
}

// AttendanceService handles the issuer and scanner sides of the protocol.
// At most one session per issuer runs at a time: starting another stops the first.
type AttendanceService struct {
	store     ports.StoreGateway
	tokenizer ports.Tokenizer
	eventPub  ports.EventPublisher
	metrics   ports.Metrics
	logger    *slog.Logger

	cfg       Config
	issuer    *Issuer
	validator *Validator
	now       func() time.Time

	mu       sync.Mutex
	running  map[string]*runningSession // by session id
	byIssuer map[string]string          // issuer id -> session id
}

// NewAttendanceService creates a new attendance service
func NewAttendanceService(
	store ports.StoreGateway,
	tokenizer ports.Tokenizer,
	eventPub ports.EventPublisher,
	m ports.Metrics,
	logger *slog.Logger,
	cfg Config,
) *AttendanceService {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	issuer := NewIssuer(tokenizer, cfg.RotationInterval)

	return &AttendanceService{
		store:     store,
		tokenizer: tokenizer,
		eventPub:  eventPub,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		issuer:    issuer,
		validator: NewValidator(store, tokenizer, eventPub, m, logger, cfg.Liveness.StoreTimeout).
			WithRetry(cfg.Liveness.MaxAttempts, cfg.Liveness.Backoff),
		now:       time.Now,
		running:   make(map[string]*runningSession),
		byIssuer:  make(map[string]string),
	}
}

// Validator returns the validator shared by HTTP scans and ingested scans
func (s *AttendanceService) Validator() *Validator {
	return s.validator
}

// CreateSession creates an inactive session with a fresh secret
func (s *AttendanceService) CreateSession(ctx context.Context, issuerID, classID string) (core.Session, error) {
	issuerID = strings.TrimSpace(issuerID)
	classID = strings.TrimSpace(classID)
	if issuerID == "" || classID == "" {
		return core.Session{}, fmt.Errorf("issuer and class are required: %w", core.ErrInvalidArgument)
	}

	secret, err := NewSecret()
	if err != nil {
		return core.Session{}, err
	}

	now := s.now()
	session := core.Session{
		ID:        uuid.New().String(),
		IssuerID:  issuerID,
		ClassID:   classID,
		Secret:    secret,
		IsActive:  false,
		StartTime: now,
		CreatedAt: now,
	}

	if err := s.store.CreateSession(ctx, session); err != nil {
		return core.Session{}, storeError("create session", err)
	}

	s.logger.InfoContext(ctx, "session.created", "session", session)
	return session, nil
}

// StartSession records the start time, then starts liveness and token rotation
func (s *AttendanceService) StartSession(ctx context.Context, issuerID, sessionID string) (core.LivenessSnapshot, error) {
	session, err := s.ownedSession(ctx, issuerID, sessionID)
	if err != nil {
		return core.LivenessSnapshot{}, err
	}
	ctx = withSessionData(ctx, session)

	rs := &runningSession{session: session}
	rs.manager = NewManager(session.ID, s.store, s.cfg.Liveness,
		WithLogger(s.logger),
		WithMetrics(s.metrics),
		WithObserver(s.observe(ctx)),
		WithClock(s.now),
	)
	rs.rotator = NewRotator(s.issuer, session, s.now, s.logger)

	s.mu.Lock()
	if current, ok := s.running[session.ID]; ok {
		s.mu.Unlock()
		return current.manager.Snapshot(), nil
	}
	var previous *runningSession
	if prevID, ok := s.byIssuer[issuerID]; ok {
		previous = s.running[prevID]
		delete(s.running, prevID)
	}
	s.running[session.ID] = rs
	s.byIssuer[issuerID] = session.ID
	s.mu.Unlock()

	if previous != nil {
		s.logger.InfoContext(ctx, "session.superseded", "previous_session_id", previous.session.ID)
		if _, err := previous.stop(ctx); err != nil {
			s.logger.WarnContext(ctx, "session.superseded.stop_fail", "previous_session_id", previous.session.ID, "error", err)
		}
	}

	startedAt := s.now()
	if _, err := s.store.UpdateSession(ctx, session.ID, core.SessionUpdate{StartTime: &startedAt}); err != nil {
		s.detach(rs)
		return core.LivenessSnapshot{}, storeError("record start time", err)
	}

	if err := rs.rotator.Start(ctx); err != nil {
		s.detach(rs)
		return core.LivenessSnapshot{}, err
	}
	if err := rs.manager.Start(ctx); err != nil {
		rs.rotator.Stop()
		s.detach(rs)
		return core.LivenessSnapshot{}, err
	}

	go s.watch(ctx, rs)

	s.logger.InfoContext(ctx, "session.started")
	return rs.manager.Snapshot(), nil
}

// watch detaches a running session whose row disappeared from the store
func (s *AttendanceService) watch(ctx context.Context, rs *runningSession) {
	<-rs.manager.Done()
	err := rs.manager.Err()
	if err == nil {
		return
	}

	s.detach(rs)
	if _, stopErr := rs.stop(context.WithoutCancel(ctx)); stopErr != nil {
		s.logger.WarnContext(ctx, "session.lost.stop_fail", "error", stopErr)
	}
	s.logger.ErrorContext(ctx, "session.lost", "error", err)
}

// StopSession stops a session and writes isActive=false. A session that is not
// running in this process is deactivated directly in the store.
func (s *AttendanceService) StopSession(ctx context.Context, issuerID, sessionID string) (core.LivenessSnapshot, error) {
	s.mu.Lock()
	rs, ok := s.running[sessionID]
	if ok && rs.session.IssuerID != issuerID {
		s.mu.Unlock()
		return core.LivenessSnapshot{}, core.ErrNotSessionOwner
	}
	if ok {
		delete(s.running, sessionID)
		if s.byIssuer[issuerID] == sessionID {
			delete(s.byIssuer, issuerID)
		}
	}
	s.mu.Unlock()

	if ok {
		return rs.stop(withSessionData(ctx, rs.session))
	}

	if _, err := s.ownedSession(ctx, issuerID, sessionID); err != nil {
		return core.LivenessSnapshot{}, err
	}
	if _, err := s.store.UpdateSession(ctx, sessionID, core.DeactivateUpdate(s.now())); err != nil {
		return core.LivenessSnapshot{}, storeError("deactivate", err)
	}
	return core.LivenessSnapshot{
		SessionID: sessionID,
		State:     core.StateInactive,
		Status:    core.StatusInactive,
		Stopped:   true,
	}, nil
}

// ForceActivate requests an immediate activation retry
func (s *AttendanceService) ForceActivate(ctx context.Context, issuerID, sessionID string) (core.LivenessSnapshot, error) {
	rs, err := s.runningSession(issuerID, sessionID)
	if err != nil {
		return core.LivenessSnapshot{}, err
	}
	return rs.manager.Activate(withSessionData(ctx, rs.session))
}

// Status returns the liveness snapshot of a running session, or the durable
// state of one that is not running here
func (s *AttendanceService) Status(ctx context.Context, issuerID, sessionID string) (core.LivenessSnapshot, error) {
	rs, err := s.runningSession(issuerID, sessionID)
	if err == nil {
		return rs.manager.Snapshot(), nil
	}
	if !errors.Is(err, core.ErrSessionNotRunning) {
		return core.LivenessSnapshot{}, err
	}

	session, err := s.ownedSession(ctx, issuerID, sessionID)
	if err != nil {
		return core.LivenessSnapshot{}, err
	}
	state := core.StateInactive
	if session.IsActive {
		state = core.StateActive
	}
	return core.LivenessSnapshot{
		SessionID: session.ID,
		State:     state,
		Status:    state.Status(),
		Stopped:   session.EndTime != nil,
	}, nil
}

// CurrentToken returns the token the issuer should display now
func (s *AttendanceService) CurrentToken(ctx context.Context, issuerID, sessionID string) (IssuedToken, error) {
	rs, err := s.runningSession(issuerID, sessionID)
	if err != nil {
		return IssuedToken{}, err
	}
	return rs.rotator.Current()
}

// SubscribeTokens streams every rotated token of a running session
func (s *AttendanceService) SubscribeTokens(issuerID, sessionID string) (<-chan IssuedToken, func(), error) {
	rs, err := s.runningSession(issuerID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := rs.rotator.Subscribe()
	return ch, unsubscribe, nil
}

// ListAttendance returns who is marked present in a session
func (s *AttendanceService) ListAttendance(ctx context.Context, issuerID, sessionID string) ([]core.AttendanceRecord, error) {
	if _, err := s.ownedSession(ctx, issuerID, sessionID); err != nil {
		return nil, err
	}
	records, err := s.store.ListAttendance(ctx, sessionID)
	if err != nil {
		return nil, storeError("list attendance", err)
	}
	return records, nil
}

// Scan validates a token presented by participantID now
func (s *AttendanceService) Scan(ctx context.Context, raw, participantID string) (core.ScanResult, error) {
	ctx = logctx.WithScanData(ctx, &logctx.ScanData{ParticipantID: participantID})
	return s.validator.Validate(ctx, raw, participantID, s.now())
}

// Shutdown stops every running session
func (s *AttendanceService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sessions := make([]*runningSession, 0, len(s.running))
	for _, rs := range s.running {
		sessions = append(sessions, rs)
	}
	s.running = make(map[string]*runningSession)
	s.byIssuer = make(map[string]string)
	s.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, rs := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rs.stop(withSessionData(ctx, rs.session)); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop session %s: %w", rs.session.ID, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.logger.InfoContext(ctx, "sessions.shutdown", "count", len(sessions))
	return errors.Join(errs...)
}

func (s *AttendanceService) runningSession(issuerID, sessionID string) (*runningSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.running[sessionID]
	if !ok {
		return nil, core.ErrSessionNotRunning
	}
	if rs.session.IssuerID != issuerID {
		return nil, core.ErrNotSessionOwner
	}
	return rs, nil
}

func (s *AttendanceService) ownedSession(ctx context.Context, issuerID, sessionID string) (core.Session, error) {
	if issuerID == "" || sessionID == "" {
		return core.Session{}, fmt.Errorf("issuer and session are required: %w", core.ErrInvalidArgument)
	}
	session, err := s.store.ReadSession(ctx, sessionID)
	if err != nil {
		return core.Session{}, storeError("read session", err)
	}
	if session.IssuerID != issuerID {
		return core.Session{}, core.ErrNotSessionOwner
	}
	return session, nil
}

func (s *AttendanceService) detach(rs *runningSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[rs.session.ID] == rs {
		delete(s.running, rs.session.ID)
		if s.byIssuer[rs.session.IssuerID] == rs.session.ID {
			delete(s.byIssuer, rs.session.IssuerID)
		}
	}
}

// observe forwards liveness snapshots as session.status events
func (s *AttendanceService) observe(ctx context.Context) StatusObserver {
	ctx = context.WithoutCancel(ctx)
	return func(snap core.LivenessSnapshot) {
		if s.eventPub == nil {
			return
		}
		if err := s.eventPub.PublishSessionStatus(ctx, snap); err != nil {
			s.logger.WarnContext(ctx, "session.status.publish_fail", "error", err)
		}
	}
}

func withSessionData(ctx context.Context, session core.Session) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: session.ID,
		IssuerID:  session.IssuerID,
		ClassID:   session.ClassID,
	})
}
