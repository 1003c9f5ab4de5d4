package core

import "time"

// LivenessState is the in-memory state of a running session's liveness manager
type LivenessState int

const (
	StateUnknown LivenessState = iota
	StateChecking
	StateActive
	StateInactive
	StateReactivating
)

func (s LivenessState) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateReactivating:
		return "reactivating"
	default:
		return "unknown"
	}
}

// Status is the coarse status shown to the issuer
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusUnknown  Status = "unknown"
)

// Status collapses the state machine into what the issuer sees.
// Checking and Reactivating have no confirmed outcome yet.
func (s LivenessState) Status() Status {
	switch s {
	case StateActive:
		return StatusActive
	case StateInactive:
		return StatusInactive
	default:
		return StatusUnknown
	}
}

// LivenessSnapshot is the latest state surfaced to the caller after every attempt
type LivenessSnapshot struct {
	SessionID   string
	State       LivenessState
	Status      Status
	Failures    int       // Consecutive failed heartbeats or activations
	LastError   string    // Empty after a successful heartbeat or activation
	LastAttempt time.Time // When the previous activation attempt completed
	Stopped     bool
}
