// Package metrics exposes protocol counters through Prometheus.
package metrics

import (
	"github.com/layer-3/attendance/core"
	"github.com/layer-3/attendance/ports"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "attendance"

// Prometheus implements ports.Metrics on a prometheus registry
type Prometheus struct {
	scans       *prometheus.CounterVec
	activations *prometheus.CounterVec
	heartbeats  *prometheus.CounterVec
	liveness    *prometheus.GaugeVec
}

var _ ports.Metrics = (*Prometheus)(nil)

// NewPrometheus creates the collectors and registers them on reg
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	m := &Prometheus{
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Scans handled by the validator, by outcome or rejection reason.",
		}, []string{"outcome"}),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activation_attempts_total",
			Help:      "Activation attempts, by strategy and result.",
		}, []string{"strategy", "result"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat refresh writes, by result.",
		}, []string{"result"}),
		liveness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "liveness_state",
			Help:      "Current liveness state per running session (0 unknown, 1 checking, 2 active, 3 inactive, 4 reactivating).",
		}, []string{"session_id"}),
	}

	for _, c := range []prometheus.Collector{m.scans, m.activations, m.heartbeats, m.liveness} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Prometheus) ScanOutcome(reason string) {
	m.scans.WithLabelValues(reason).Inc()
}

func (m *Prometheus) ActivationAttempt(strategy string, ok bool) {
	m.activations.WithLabelValues(strategy, result(ok)).Inc()
}

func (m *Prometheus) Heartbeat(ok bool) {
	m.heartbeats.WithLabelValues(result(ok)).Inc()
}

func (m *Prometheus) LivenessState(sessionID string, state core.LivenessState) {
	m.liveness.WithLabelValues(sessionID).Set(float64(state))
}

func (m *Prometheus) ForgetSession(sessionID string) {
	m.liveness.DeleteLabelValues(sessionID)
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Nop discards every measurement
type Nop struct{}

var _ ports.Metrics = Nop{}

func (Nop) ScanOutcome(string) {}
func (Nop) ActivationAttempt(string, bool) {}
func (Nop) Heartbeat(bool) {}
func (Nop) LivenessState(string, core.LivenessState) {}
func (Nop) ForgetSession(string) {}
