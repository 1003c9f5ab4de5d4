package core

// Token is the rotating proof of presence shown by the issuer. It is never persisted.
type Token struct {
	SessionID string // Session the token is bound to
	IssuedAt  int64  // Epoch milliseconds
	ExpiresAt int64  // Epoch milliseconds, IssuedAt + rotation interval
	ClassID   string // Class of the session
	Signature string // Keyed digest of the fields above
}

// ValidAt reports whether nowMs falls inside [IssuedAt, ExpiresAt].
func (t Token) ValidAt(nowMs int64) bool {
	return nowMs >= t.IssuedAt && nowMs <= t.ExpiresAt
}

// Expired reports whether nowMs is strictly past ExpiresAt.
func (t Token) Expired(nowMs int64) bool {
	return nowMs > t.ExpiresAt
}

// Outcome is the successful result of a scan
type Outcome int

const (
	// OutcomeRecorded means this scan created the attendance record
	OutcomeRecorded Outcome = iota + 1

	// OutcomeAlreadyRecorded means the participant was already marked present
	OutcomeAlreadyRecorded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRecorded:
		return "recorded"
	case OutcomeAlreadyRecorded:
		return "already_recorded"
	default:
		return "unknown"
	}
}

// ScanResult is returned by a successful validation
type ScanResult struct {
	Outcome Outcome
	Record  AttendanceRecord
}
