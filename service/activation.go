package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/layer-3/attendance/core"
	"github.com/layer-3/attendance/ports"
)

// ActivationStrategy is one way of forcing a session's isActive flag to true.
// Activate returns nil only when the store confirmed the session active.
type ActivationStrategy interface {
	Name() string
	Activate(ctx context.Context, sessionID string) error
}

// DirectUpdate writes isActive=true, endTime=null and checks the returned row
type DirectUpdate struct {
	Store   ports.StoreGateway
	Timeout time.Duration
}

func (DirectUpdate) Name() string { return "direct_update" }

func (d DirectUpdate) Activate(ctx context.Context, sessionID string) error {
	ctx, cancel := withTimeout(ctx, d.Timeout)
	defer cancel()

	session, err := d.Store.UpdateSession(ctx, sessionID, core.ActivateUpdate())
	if err != nil {
		return storeError("direct update", err)
	}
	if !session.IsActive {
		return fmt.Errorf("direct update: %w", ErrNotConfirmed)
	}
	return nil
}

// RemoteProcedure calls the store's atomic activation procedure
type RemoteProcedure struct {
	Store   ports.StoreGateway
	Timeout time.Duration
}

func (RemoteProcedure) Name() string { return "remote_procedure" }

func (p RemoteProcedure) Activate(ctx context.Context, sessionID string) error {
	ctx, cancel := withTimeout(ctx, p.Timeout)
	defer cancel()

	ok, err := p.Store.ActivateSession(ctx, sessionID)
	if err != nil {
		return storeError("remote procedure", err)
	}
	if !ok {
		return fmt.Errorf("remote procedure: %w", ErrNotConfirmed)
	}
	return nil
}

// Race runs the direct update and the remote procedure concurrently, plus one
// repeat of the direct update after RepeatDelay. The first success wins and
// cancels the rest. Activate returns only after every path has finished.
type Race struct {
	Direct      DirectUpdate
	Procedure   RemoteProcedure
	RepeatDelay time.Duration
}

func (Race) Name() string { return "race" }

func (r Race) Activate(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	attempts := []func() error{
		func() error { return r.Direct.Activate(ctx, sessionID) },
		func() error { return r.Procedure.Activate(ctx, sessionID) },
		func() error {
			timer := time.NewTimer(r.RepeatDelay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
			return r.Direct.Activate(ctx, sessionID)
		},
	}

	results := make(chan error, len(attempts))
	var wg sync.WaitGroup
	for _, attempt := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- attempt()
		}()
	}

	var (
		errs []error
		won  bool
	)
	for range attempts {
		err := <-results
		if err == nil {
			if !won {
				won = true
				cancel()
			}
			continue
		}
		if !won {
			errs = append(errs, err)
		}
	}
	wg.Wait()

	if won {
		return nil
	}
	return fmt.Errorf("race: %w", errors.Join(errs...))
}

// ActivationPolicy runs an ordered list of strategies, repeating the whole
// list up to MaxAttempts times with a linear backoff between rounds
type ActivationPolicy struct {
	Strategies  []ActivationStrategy
	MaxAttempts int
	Backoff     time.Duration

	Metrics ports.Metrics
	Logger  *slog.Logger
}

// NewActivationPolicy builds the default policy: direct update, then the
// remote procedure, then the race of both
func NewActivationPolicy(store ports.StoreGateway, cfg LivenessConfig, metrics ports.Metrics, logger *slog.Logger) *ActivationPolicy {
	direct := DirectUpdate{Store: store, Timeout: cfg.StoreTimeout}
	procedure := RemoteProcedure{Store: store, Timeout: cfg.StoreTimeout}

	return &ActivationPolicy{
		Strategies: []ActivationStrategy{
			direct,
			procedure,
			Race{Direct: direct, Procedure: procedure, RepeatDelay: cfg.RaceRepeatDelay},
		},
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		Metrics:     metrics,
		Logger:      logger,
	}
}

// Run returns the name of the strategy that confirmed activation, or an error
// wrapping core.ErrActivationExhausted with every cause. A missing session
// ends the run early since no other path can create it.
func (p *ActivationPolicy) Run(ctx context.Context, sessionID string) (string, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var errs []error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.Backoff*time.Duration(attempt-1)); err != nil {
				errs = append(errs, err)
				break
			}
		}

		for _, strategy := range p.Strategies {
			err := strategy.Activate(ctx, sessionID)
			if p.Metrics != nil {
				p.Metrics.ActivationAttempt(strategy.Name(), err == nil)
			}
			if err == nil {
				return strategy.Name(), nil
			}

			errs = append(errs, err)
			if p.Logger != nil {
				p.Logger.DebugContext(ctx, "liveness.activate.path_failed",
					"session_id", sessionID,
					"strategy", strategy.Name(),
					"attempt", attempt,
					"error", err,
				)
			}

			if errors.Is(err, core.ErrSessionNotFound) {
				return "", fmt.Errorf("%w: %w", core.ErrActivationExhausted, err)
			}
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %w", core.ErrActivationExhausted, errors.Join(errs...))
			}
		}
	}

	return "", fmt.Errorf("%w: %w", core.ErrActivationExhausted, errors.Join(errs...))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
