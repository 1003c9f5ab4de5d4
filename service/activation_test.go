package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/layer-3/attendance/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("confirmed", func(t *testing.T) {
		fs := newFaultStore()
		seedSession(t, fs, false)

		require.NoError(t, DirectUpdate{Store: fs}.Activate(ctx, "session-1"))
		session, err := fs.MemoryStore.ReadSession(ctx, "session-1")
		require.NoError(t, err)
		assert.True(t, session.IsActive)
	})

	t.Run("not confirmed", func(t *testing.T) {
		fs := newFaultStore()
		seedSession(t, fs, false)
		fs.set(func(f *faultStore) { f.staleUpdates = 1 })

		err := DirectUpdate{Store: fs}.Activate(ctx, "session-1")
		assert.ErrorIs(t, err, ErrNotConfirmed)
	})

	t.Run("store failure is transient", func(t *testing.T) {
		fs := newFaultStore()
		seedSession(t, fs, false)
		fs.set(func(f *faultStore) { f.failUpdates = 1 })

		err := DirectUpdate{Store: fs}.Activate(ctx, "session-1")
		assert.ErrorIs(t, err, core.ErrTransientStore)
		assert.ErrorIs(t, err, errStoreDown)
	})

	t.Run("missing session", func(t *testing.T) {
		err := DirectUpdate{Store: newFaultStore()}.Activate(ctx, "nope")
		assert.ErrorIs(t, err, core.ErrSessionNotFound)
		assert.NotErrorIs(t, err, core.ErrTransientStore)
	})
}

func TestRemoteProcedure(t *testing.T) {
	ctx := context.Background()
	fs := newFaultStore()
	seedSession(t, fs, false)

	fs.set(func(f *faultStore) { f.rejectRPC = 1 })
	assert.ErrorIs(t, RemoteProcedure{Store: fs}.Activate(ctx, "session-1"), ErrNotConfirmed)

	fs.set(func(f *faultStore) { f.failActivates = 1 })
	assert.ErrorIs(t, RemoteProcedure{Store: fs}.Activate(ctx, "session-1"), core.ErrTransientStore)

	require.NoError(t, RemoteProcedure{Store: fs}.Activate(ctx, "session-1"))
}

func TestRemoteProcedure_Timeout(t *testing.T) {
	fs := newFaultStore()
	seedSession(t, fs, false)
	fs.set(func(f *faultStore) {
		f.beforeActivate = func() { time.Sleep(50 * time.Millisecond) }
	})

	err := RemoteProcedure{Store: fs, Timeout: 10 * time.Millisecond}.Activate(context.Background(), "session-1")
	assert.ErrorIs(t, err, core.ErrTransientStore)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRace_AnySuccessWins(t *testing.T) {
	fs := newFaultStore()
	seedSession(t, fs, false)
	// Both direct updates fail; the procedure succeeds.
	fs.set(func(f *faultStore) { f.failUpdates = 2 })

	race := Race{
		Direct:      DirectUpdate{Store: fs},
		Procedure:   RemoteProcedure{Store: fs},
		RepeatDelay: time.Millisecond,
	}
	require.NoError(t, race.Activate(context.Background(), "session-1"))
}

func TestRace_DelayedRepeatCanWin(t *testing.T) {
	fs := newFaultStore()
	seedSession(t, fs, false)
	fs.set(func(f *faultStore) {
		f.failUpdates = 1
		f.failActivates = 1
	})

	race := Race{
		Direct:      DirectUpdate{Store: fs},
		Procedure:   RemoteProcedure{Store: fs},
		RepeatDelay: 5 * time.Millisecond,
	}
	require.NoError(t, race.Activate(context.Background(), "session-1"))

	_, updates, activates := fs.counts()
	assert.Equal(t, 2, updates)
	assert.Equal(t, 1, activates)
}

func TestRace_AllFail(t *testing.T) {
	fs := newFaultStore()
	seedSession(t, fs, false)
	fs.set(func(f *faultStore) { f.failAny = 3 })

	race := Race{
		Direct:      DirectUpdate{Store: fs},
		Procedure:   RemoteProcedure{Store: fs},
		RepeatDelay: time.Millisecond,
	}
	err := race.Activate(context.Background(), "session-1")
	assert.ErrorIs(t, err, core.ErrTransientStore)
}

func TestActivationPolicy_OrderAndFirstSuccess(t *testing.T) {
	var calls []string
	strategy := func(name string, err error) ActivationStrategy {
		return funcStrategy{name: name, fn: func(context.Context, string) error {
			calls = append(calls, name)
			return err
		}}
	}

	m := &recordingMetrics{}
	policy := &ActivationPolicy{
		Strategies: []ActivationStrategy{
			strategy("a", errStoreDown),
			strategy("b", nil),
			strategy("c", nil),
		},
		MaxAttempts: 3,
		Metrics:     m,
	}

	name, err := policy.Run(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, "b", name)
	assert.Equal(t, []string{"a", "b"}, calls)
	assert.Equal(t, []string{"a:fail", "b:ok"}, m.activationLog())
}

func TestActivationPolicy_Exhausted(t *testing.T) {
	var calls atomic.Int32
	failing := funcStrategy{name: "failing", fn: func(context.Context, string) error {
		calls.Add(1)
		return errStoreDown
	}}

	policy := &ActivationPolicy{
		Strategies:  []ActivationStrategy{failing, failing},
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
	}

	_, err := policy.Run(context.Background(), "session-1")
	assert.ErrorIs(t, err, core.ErrActivationExhausted)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, int32(6), calls.Load())
}

func TestActivationPolicy_MissingSessionStopsEarly(t *testing.T) {
	var calls atomic.Int32
	missing := funcStrategy{name: "missing", fn: func(context.Context, string) error {
		calls.Add(1)
		return core.ErrSessionNotFound
	}}

	policy := &ActivationPolicy{Strategies: []ActivationStrategy{missing, missing}, MaxAttempts: 3}

	_, err := policy.Run(context.Background(), "session-1")
	assert.ErrorIs(t, err, core.ErrActivationExhausted)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestActivationPolicy_CancelledDuringBackoff(t *testing.T) {
	failing := funcStrategy{name: "failing", fn: func(context.Context, string) error { return errStoreDown }}
	policy := &ActivationPolicy{
		Strategies:  []ActivationStrategy{failing},
		MaxAttempts: 3,
		Backoff:     time.Hour,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := policy.Run(ctx, "session-1")
	assert.ErrorIs(t, err, core.ErrActivationExhausted)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
}

func TestActivationPolicy_FlakyStoreConverges(t *testing.T) {
	fs := newFaultStore()
	seedSession(t, fs, false)
	cfg := fastLiveness()
	// Fails every path of the first round except the final delayed repeat.
	fs.set(func(f *faultStore) { f.failAny = cfg.MaxAttempts })

	policy := NewActivationPolicy(fs, cfg, nil, discardLogger())
	name, err := policy.Run(context.Background(), "session-1")
	require.NoError(t, err)
	assert.NotEmpty(t, name)

	session, err := fs.MemoryStore.ReadSession(context.Background(), "session-1")
	require.NoError(t, err)
	assert.True(t, session.IsActive)
}
