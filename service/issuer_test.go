package service

import (
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/attendance/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecret(t *testing.T) {
	a, err := NewSecret()
	require.NoError(t, err)
	b, err := NewSecret()
	require.NoError(t, err)

	raw, err := hex.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	assert.NotEqual(t, a, b)
}

func TestIssuer_Issue(t *testing.T) {
	issuer := NewIssuer(newTokenizer(), 5*time.Second)
	session := core.Session{ID: "session-1", ClassID: "class-1", Secret: testSecret}

	issued, err := issuer.Issue(session, time.UnixMilli(1000))
	require.NoError(t, err)

	assert.Equal(t, "session-1", issued.Token.SessionID)
	assert.Equal(t, "class-1", issued.Token.ClassID)
	assert.Equal(t, int64(1000), issued.Token.IssuedAt)
	assert.Equal(t, int64(6000), issued.Token.ExpiresAt)
	assert.NotEmpty(t, issued.Token.Signature)
	assert.NotContains(t, issued.Payload, testSecret)

	decoded, err := newTokenizer().Decode(issued.Payload)
	require.NoError(t, err)
	assert.Equal(t, issued.Token, decoded)
}

func TestIssuer_DefaultInterval(t *testing.T) {
	issuer := NewIssuer(newTokenizer(), 0)
	assert.Equal(t, DefaultRotationInterval, issuer.Interval())
}

func TestIssuer_RotationUniqueness(t *testing.T) {
	issuer := NewIssuer(newTokenizer(), 5*time.Second)
	session := core.Session{ID: "session-1", ClassID: "class-1", Secret: testSecret}

	first, err := issuer.Issue(session, time.UnixMilli(1000))
	require.NoError(t, err)
	second, err := issuer.Issue(session, time.UnixMilli(6000))
	require.NoError(t, err)

	assert.NotEqual(t, first.Token.Signature, second.Token.Signature)

	// Issuing is deterministic for the same inputs.
	again, err := issuer.Issue(session, time.UnixMilli(1000))
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestIssuer_RequiresSecret(t *testing.T) {
	issuer := NewIssuer(newTokenizer(), time.Second)
	_, err := issuer.Issue(core.Session{ID: "s", ClassID: "c"}, time.Now())
	assert.Error(t, err)
}

func TestRotator_CurrentIsStableWithinTick(t *testing.T) {
	clock := newFakeClock(time.UnixMilli(1000))
	session := core.Session{ID: "session-1", ClassID: "class-1", Secret: testSecret}
	r := NewRotator(NewIssuer(newTokenizer(), time.Hour), session, clock.Now, discardLogger())

	// Concurrent first calls issue exactly one token.
	var wg sync.WaitGroup
	tokens := make([]IssuedToken, 8)
	for i := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Millisecond)
			tok, err := r.Current()
			assert.NoError(t, err)
			tokens[i] = tok
		}()
	}
	wg.Wait()

	for _, tok := range tokens[1:] {
		assert.Equal(t, tokens[0], tok)
	}
}

func TestRotator_RotatesAndNotifiesSubscribers(t *testing.T) {
	session := core.Session{ID: "session-1", ClassID: "class-1", Secret: testSecret}
	r := NewRotator(NewIssuer(newTokenizer(), 20*time.Millisecond), session, nil, discardLogger())

	require.NoError(t, r.Start(t.Context()))
	current, err := r.Current()
	require.NoError(t, err)
	assert.NotEmpty(t, current.Payload)

	updates, unsubscribe := r.Subscribe()
	defer unsubscribe()

	var initial IssuedToken
	select {
	case initial = <-updates:
	case <-time.After(time.Second):
		t.Fatal("no initial token")
	}

	select {
	case tok := <-updates:
		assert.NotEqual(t, initial.Token.Signature, tok.Token.Signature)
		assert.Greater(t, tok.Token.IssuedAt, initial.Token.IssuedAt)
	case <-time.After(time.Second):
		t.Fatal("no rotation")
	}

	r.Stop()

	_, ok := <-updates
	assert.False(t, ok, "subscription closes on stop")

	_, err = r.Current()
	assert.ErrorIs(t, err, core.ErrSessionNotRunning)

	// Stopping twice is harmless.
	r.Stop()
}

func TestRotator_SlowSubscriberSeesLatest(t *testing.T) {
	clock := newFakeClock(time.UnixMilli(1000))
	session := core.Session{ID: "session-1", ClassID: "class-1", Secret: testSecret}
	r := NewRotator(NewIssuer(newTokenizer(), time.Hour), session, clock.Now, discardLogger())

	updates, unsubscribe := r.Subscribe()

	var last IssuedToken
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		tok, err := r.rotate()
		require.NoError(t, err)
		last = tok
	}

	assert.Equal(t, last, <-updates)
	unsubscribe()
	_, ok := <-updates
	assert.False(t, ok)

	// Unsubscribing twice is harmless.
	unsubscribe()
	r.Stop()
}
