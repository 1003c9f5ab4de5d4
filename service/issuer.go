package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/layer-3/attendance/core"
	"github.com/layer-3/attendance/ports"
)

// DefaultRotationInterval is the lifetime of one token
const DefaultRotationInterval = 5 * time.Second

// secretBytes gives 256 bits of entropy per session secret
const secretBytes = 32

// NewSecret generates a per-session signing secret
func NewSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// IssuedToken is a signed token together with its wire payload
type IssuedToken struct {
	Token   core.Token
	Payload string
}

// Issuer turns a session and a timestamp into a signed, bounded-lifetime token
type Issuer struct {
	tokenizer ports.Tokenizer
	interval  time.Duration
}

// NewIssuer creates an issuer. A non-positive interval selects DefaultRotationInterval.
func NewIssuer(tokenizer ports.Tokenizer, interval time.Duration) *Issuer {
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	return &Issuer{
		tokenizer: tokenizer,
		interval:  interval,
	}
}

// Interval returns the rotation interval
func (i *Issuer) Interval() time.Duration {
	return i.interval
}

// Issue builds the token valid for [now, now+interval]. It has no side effects.
func (i *Issuer) Issue(session core.Session, now time.Time) (IssuedToken, error) {
	issuedAt := now.UnixMilli()
	token := core.Token{
		SessionID: session.ID,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt + i.interval.Milliseconds(),
		ClassID:   session.ClassID,
	}

	signature, err := i.tokenizer.Sign(token, session.Secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("failed to sign token: %w", err)
	}
	token.Signature = signature

	payload, err := i.tokenizer.Encode(token)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("failed to encode token: %w", err)
	}

	return IssuedToken{Token: token, Payload: payload}, nil
}
