package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/layer-3/attendance/adapters/metrics"
	"github.com/layer-3/attendance/core"
	"github.com/layer-3/attendance/ports"
	"github.com/oklog/ulid/v2"
)

// Validator checks presented tokens and records attendance exactly once per
// (session, participant). Overlapping validations for the same pair converge
// on the store's uniqueness constraint instead of a lock.
type Validator struct {
	store     ports.StoreGateway
	tokenizer ports.Tokenizer
	events    ports.EventPublisher
	metrics   ports.Metrics
	logger    *slog.Logger
	timeout   time.Duration
	attempts  int
	backoff   time.Duration
}

const (
	defaultStoreAttempts = 3
	defaultStoreBackoff  = 50 * time.Millisecond
)

// NewValidator creates a validator. events, metrics and logger may be nil.
func NewValidator(
	store ports.StoreGateway,
	tokenizer ports.Tokenizer,
	events ports.EventPublisher,
	m ports.Metrics,
	logger *slog.Logger,
	storeTimeout time.Duration,
) *Validator {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		store:     store,
		tokenizer: tokenizer,
		events:    events,
		metrics:   m,
		logger:    logger,
		timeout:   storeTimeout,
		attempts:  defaultStoreAttempts,
		backoff:   defaultStoreBackoff,
	}
}

// WithRetry sets how many times a store call failing with ErrTransientStore is
// tried, with linear backoff between tries. Zero values keep the defaults.
func (v *Validator) WithRetry(attempts int, backoff time.Duration) *Validator {
	if attempts > 0 {
		v.attempts = attempts
	}
	if backoff > 0 {
		v.backoff = backoff
	}
	return v
}

// Validate checks raw at now and records participantID as present.
// Rejections are returned as errors from the core taxonomy.
func (v *Validator) Validate(ctx context.Context, raw, participantID string, now time.Time) (core.ScanResult, error) {
	result, err := v.validate(ctx, raw, participantID, now)
	if err != nil {
		v.metrics.ScanOutcome(string(core.RejectionReason(err)))
		v.logger.InfoContext(ctx, "scan.rejected", "reason", core.RejectionReason(err), "error", err)
		return core.ScanResult{}, err
	}

	v.metrics.ScanOutcome(result.Outcome.String())
	if result.Outcome == core.OutcomeRecorded {
		v.logger.InfoContext(ctx, "scan.recorded", "session_id", result.Record.SessionID, "record_id", result.Record.ID)
		if v.events != nil {
			if err := v.events.PublishAttendanceRecorded(ctx, result.Record); err != nil {
				// The record is durable; the event is best-effort.
				v.logger.WarnContext(ctx, "scan.event.fail", "error", err)
			}
		}
	} else {
		v.logger.DebugContext(ctx, "scan.already_recorded", "session_id", result.Record.SessionID)
	}
	return result, nil
}

func (v *Validator) validate(ctx context.Context, raw, participantID string, now time.Time) (core.ScanResult, error) {
	token, err := v.tokenizer.Decode(raw)
	if err != nil {
		return core.ScanResult{}, err
	}
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return core.ScanResult{}, fmt.Errorf("participant id is required: %w", core.ErrInvalidArgument)
	}

	nowMs := now.UnixMilli()
	if token.Expired(nowMs) {
		return core.ScanResult{}, core.ErrExpiredToken
	}
	if !token.ValidAt(nowMs) {
		return core.ScanResult{}, fmt.Errorf("token not yet valid: %w", core.ErrExpiredToken)
	}

	session, err := v.readSession(ctx, token.SessionID)
	if err != nil {
		return core.ScanResult{}, err
	}

	if token.ClassID != session.ClassID {
		return core.ScanResult{}, fmt.Errorf("class mismatch: %w", core.ErrInvalidSignature)
	}
	if err := v.tokenizer.Verify(token, session.Secret); err != nil {
		return core.ScanResult{}, err
	}

	if !session.IsActive {
		return core.ScanResult{}, core.ErrSessionInactive
	}

	existing, err := v.findAttendance(ctx, token.SessionID, participantID)
	switch {
	case err == nil:
		return core.ScanResult{Outcome: core.OutcomeAlreadyRecorded, Record: existing}, nil
	case !errors.Is(err, core.ErrAttendanceNotFound):
		return core.ScanResult{}, err
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return core.ScanResult{}, fmt.Errorf("failed to generate record id: %w", err)
	}
	record := core.AttendanceRecord{
		ID:            id.String(),
		SessionID:     token.SessionID,
		ParticipantID: participantID,
		Timestamp:     now,
	}

	err = v.insertAttendance(ctx, record)
	switch {
	case err == nil:
		return core.ScanResult{Outcome: core.OutcomeRecorded, Record: record}, nil
	case errors.Is(err, core.ErrAttendanceExists):
		// A concurrent scan created the pair first.
		winner, findErr := v.findAttendance(ctx, token.SessionID, participantID)
		if findErr != nil {
			winner = core.AttendanceRecord{SessionID: token.SessionID, ParticipantID: participantID}
		}
		return core.ScanResult{Outcome: core.OutcomeAlreadyRecorded, Record: winner}, nil
	default:
		return core.ScanResult{}, err
	}
}

func (v *Validator) readSession(ctx context.Context, sessionID string) (session core.Session, err error) {
	err = v.retry(ctx, func(ctx context.Context) error {
		session, err = v.store.ReadSession(ctx, sessionID)
		return storeError("read session", err)
	})
	return session, err
}

func (v *Validator) findAttendance(ctx context.Context, sessionID, participantID string) (record core.AttendanceRecord, err error) {
	err = v.retry(ctx, func(ctx context.Context) error {
		record, err = v.store.FindAttendance(ctx, sessionID, participantID)
		return storeError("find attendance", err)
	})
	return record, err
}

// insertAttendance may retry an insert that did land; the retry then reports
// ErrAttendanceExists and the caller treats it as already recorded.
func (v *Validator) insertAttendance(ctx context.Context, record core.AttendanceRecord) error {
	return v.retry(ctx, func(ctx context.Context) error {
		return storeError("insert attendance", v.store.InsertAttendance(ctx, record))
	})
}

// retry runs call up to v.attempts times while it fails with ErrTransientStore
func (v *Validator) retry(ctx context.Context, call func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= v.attempts; attempt++ {
		if attempt > 1 {
			if sleepErr := sleep(ctx, v.backoff*time.Duration(attempt-1)); sleepErr != nil {
				return err
			}
		}

		callCtx, cancel := withTimeout(ctx, v.timeout)
		err = call(callCtx)
		cancel()

		if !errors.Is(err, core.ErrTransientStore) {
			return err
		}
		v.logger.DebugContext(ctx, "scan.store.retry", "attempt", attempt, "error", err)
	}
	return err
}
