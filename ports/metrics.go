package ports

import "github.com/layer-3/attendance/core"

// Metrics records protocol counters
type Metrics interface {
	ScanOutcome(reason string)
	ActivationAttempt(strategy string, ok bool)
	Heartbeat(ok bool)
	LivenessState(sessionID string, state core.LivenessState)

	// ForgetSession drops per-session series once a session stops
	ForgetSession(sessionID string)
}
