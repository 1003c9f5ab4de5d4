package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/layer-3/attendance/core"
)

// Rotator re-issues the token of one running session on every rotation tick.
// The ticker goroutine is the only path that rotates; Current only issues
// when no token exists yet.
type Rotator struct {
	issuer  *Issuer
	session core.Session
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	current *IssuedToken
	subs    map[int]chan IssuedToken
	nextSub int
	started bool
	stopped bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRotator creates a rotator for session. now defaults to time.Now.
func NewRotator(issuer *Issuer, session core.Session, now func() time.Time, logger *slog.Logger) *Rotator {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rotator{
		issuer:  issuer,
		session: session,
		now:     now,
		logger:  logger,
		subs:    make(map[int]chan IssuedToken),
		done:    make(chan struct{}),
	}
}

// Start issues the first token and starts the rotation ticker
func (r *Rotator) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	if _, err := r.rotateLocked(); err != nil {
		return err
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go r.run(ctx)
	return nil
}

func (r *Rotator) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.issuer.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.rotate(); err != nil {
				r.logger.ErrorContext(ctx, "token.rotate.fail", "session_id", r.session.ID, "error", err)
			}
		}
	}
}

func (r *Rotator) rotate() (IssuedToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotateLocked()
}

func (r *Rotator) rotateLocked() (IssuedToken, error) {
	if r.stopped {
		return IssuedToken{}, core.ErrSessionNotRunning
	}

	issued, err := r.issuer.Issue(r.session, r.now())
	if err != nil {
		return IssuedToken{}, err
	}
	r.current = &issued

	for _, ch := range r.subs {
		deliverLatest(ch, issued)
	}
	return issued, nil
}

// Current returns the latest token, issuing one if rotation has not produced any yet
func (r *Rotator) Current() (IssuedToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return IssuedToken{}, core.ErrSessionNotRunning
	}
	if r.current != nil {
		return *r.current, nil
	}
	return r.rotateLocked()
}

// Subscribe returns a channel receiving every rotated token. Slow readers only
// see the latest one. The returned func unsubscribes and closes the channel.
func (r *Rotator) Subscribe() (<-chan IssuedToken, func()) {
	ch := make(chan IssuedToken, 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		close(ch)
		return ch, func() {}
	}

	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	if r.current != nil {
		ch <- *r.current
	}

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
	}
}

// Stop halts rotation and closes every subscription
func (r *Rotator) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.current = nil
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-r.done
	}
}

// deliverLatest replaces whatever is buffered in ch with t.
// Callers hold the rotator lock, so there is a single sender per channel.
func deliverLatest(ch chan IssuedToken, t IssuedToken) {
	for {
		select {
		case ch <- t:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
