package core

import "errors"

var (
	ErrTransientStore      = errors.New("store temporarily unavailable")
	ErrSessionNotFound     = errors.New("session not found")
	ErrActivationExhausted = errors.New("all activation paths failed")
	ErrExpiredToken        = errors.New("token has expired")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrMalformedToken      = errors.New("malformed token")
	ErrSessionInactive     = errors.New("session is not active")

	ErrAttendanceExists   = errors.New("attendance already recorded")
	ErrAttendanceNotFound = errors.New("attendance not found")

	ErrSessionNotRunning = errors.New("session is not running")
	ErrNotSessionOwner   = errors.New("session belongs to another issuer")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// Reason is a stable machine-readable rejection code
type Reason string

const (
	ReasonMalformedToken   Reason = "malformed_token"
	ReasonExpiredToken     Reason = "expired_token"
	ReasonInvalidSignature Reason = "invalid_signature"
	ReasonSessionInactive  Reason = "session_inactive"
	ReasonSessionNotFound  Reason = "session_not_found"
	ReasonStoreUnavailable Reason = "store_unavailable"
	ReasonInvalidArgument  Reason = "invalid_argument"
	ReasonInternal         Reason = "internal"
)

// RejectionReason maps err onto the taxonomy. Unknown errors map to ReasonInternal.
func RejectionReason(err error) Reason {
	switch {
	case errors.Is(err, ErrMalformedToken):
		return ReasonMalformedToken
	case errors.Is(err, ErrExpiredToken):
		return ReasonExpiredToken
	case errors.Is(err, ErrInvalidSignature):
		return ReasonInvalidSignature
	case errors.Is(err, ErrSessionInactive):
		return ReasonSessionInactive
	case errors.Is(err, ErrSessionNotFound):
		return ReasonSessionNotFound
	case errors.Is(err, ErrTransientStore):
		return ReasonStoreUnavailable
	case errors.Is(err, ErrInvalidArgument):
		return ReasonInvalidArgument
	default:
		return ReasonInternal
	}
}

// Message is the text shown to a scanning participant for err.
func Message(err error) string {
	switch RejectionReason(err) {
	case ReasonMalformedToken:
		return "The scanned code could not be read. Scan again."
	case ReasonExpiredToken:
		return "The scanned code has expired. Scan the current code."
	case ReasonInvalidSignature:
		return "The scanned code is not valid for this session."
	case ReasonSessionInactive:
		return "The session is not active."
	case ReasonSessionNotFound:
		return "The session does not exist."
	case ReasonStoreUnavailable:
		return "Attendance could not be checked right now. Try again."
	case ReasonInvalidArgument:
		return "The request is incomplete."
	default:
		return "Something went wrong."
	}
}
