package tokenizer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/attendance/core"
	"github.com/layer-3/attendance/ports"
)

// MaxPayloadBytes bounds the raw payload accepted by Decode
const MaxPayloadBytes = 4096

// HMACTokenizer implements the Tokenizer interface with an HS256 digest
// over the canonical token payload, keyed by the session secret
type HMACTokenizer struct {
	method *jwt.SigningMethodHMAC
}

// NewHMACTokenizer creates a new HMAC tokenizer
func NewHMACTokenizer() *HMACTokenizer {
	return &HMACTokenizer{method: jwt.SigningMethodHS256}
}

var _ ports.Tokenizer = (*HMACTokenizer)(nil)

// Sign computes the signature of token under secret
func (h *HMACTokenizer) Sign(token core.Token, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("empty session secret")
	}

	payload, err := canonical(token)
	if err != nil {
		return "", err
	}

	sig, err := h.method.Sign(payload, []byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks token.Signature against a recomputation under secret
func (h *HMACTokenizer) Verify(token core.Token, secret string) error {
	sig, err := base64.RawURLEncoding.DecodeString(token.Signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", core.ErrInvalidSignature)
	}

	payload, err := canonical(token)
	if err != nil {
		return err
	}

	if err := h.method.Verify(payload, sig, []byte(secret)); err != nil {
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return core.ErrInvalidSignature
		}
		return fmt.Errorf("signature verification failed: %w", core.ErrInvalidSignature)
	}

	return nil
}

// Encode converts a signed token to its wire form
func (h *HMACTokenizer) Encode(token core.Token) (string, error) {
	raw, err := json.Marshal(wireToken{
		SessionID: &token.SessionID,
		IssuedAt:  &token.IssuedAt,
		ExpiresAt: &token.ExpiresAt,
		ClassID:   &token.ClassID,
		Signature: &token.Signature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode token: %w", err)
	}

	return string(raw), nil
}

// Decode parses the wire form. Every field is required.
func (h *HMACTokenizer) Decode(raw string) (core.Token, error) {
	if raw == "" || len(raw) > MaxPayloadBytes {
		return core.Token{}, core.ErrMalformedToken
	}

	var w wireToken
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return core.Token{}, fmt.Errorf("failed to parse token: %w", core.ErrMalformedToken)
	}

	if w.SessionID == nil || *w.SessionID == "" ||
		w.ClassID == nil || *w.ClassID == "" ||
		w.Signature == nil || *w.Signature == "" ||
		w.IssuedAt == nil || w.ExpiresAt == nil {
		return core.Token{}, fmt.Errorf("missing required field: %w", core.ErrMalformedToken)
	}

	if *w.ExpiresAt < *w.IssuedAt {
		return core.Token{}, fmt.Errorf("expiry before issue time: %w", core.ErrMalformedToken)
	}

	return core.Token{
		SessionID: *w.SessionID,
		IssuedAt:  *w.IssuedAt,
		ExpiresAt: *w.ExpiresAt,
		ClassID:   *w.ClassID,
		Signature: *w.Signature,
	}, nil
}

func canonical(token core.Token) (string, error) {
	payload, err := json.Marshal(signedFields{
		SessionID: token.SessionID,
		IssuedAt:  token.IssuedAt,
		ExpiresAt: token.ExpiresAt,
		ClassID:   token.ClassID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(payload), nil
}
