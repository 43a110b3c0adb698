// Package metrics holds the Prometheus collectors for attendance decisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeSuccess    = "success"
	OutcomeIdempotent = "idempotent"
	OutcomeBlocked    = "blocked"
	OutcomeRejected   = "rejected"
	OutcomeError      = "error"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	clockIns      *prometheus.CounterVec
	clockOuts     *prometheus.CounterVec
	blocks        *prometheus.CounterVec
	flags         prometheus.Counter
	notifyFailure prometheus.Counter
	riskScores    prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		clockIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendiq",
			Name:      "clock_ins_total",
			Help:      "Clock-in requests by outcome.",
		}, []string{"outcome"}),
		clockOuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendiq",
			Name:      "clock_outs_total",
			Help:      "Clock-out requests by outcome.",
		}, []string{"outcome"}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendiq",
			Name:      "policy_blocks_total",
			Help:      "Clock-ins rejected by the anti-proxy policy, by kind.",
		}, []string{"kind"}),
		flags: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attendiq",
			Name:      "instructor_flags_total",
			Help:      "Instructor flags raised.",
		}),
		notifyFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attendiq",
			Name:      "notification_failures_total",
			Help:      "Notifications that could not be delivered.",
		}),
		riskScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "attendiq",
			Name:      "risk_score",
			Help:      "Risk score of clock-in submissions.",
			Buckets:   []float64{0, 10, 20, 25, 30, 40, 50, 60, 75, 90, 100},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.clockIns, m.clockOuts, m.blocks, m.flags, m.notifyFailure, m.riskScores)
	}
	return m
}

func (m *Metrics) ClockIn(outcome string) {
	if m == nil {
		return
	}
	m.clockIns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ClockOut(outcome string) {
	if m == nil {
		return
	}
	m.clockOuts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Blocked(kind string) {
	if m == nil {
		return
	}
	m.blocks.WithLabelValues(kind).Inc()
}

func (m *Metrics) FlagRaised() {
	if m == nil {
		return
	}
	m.flags.Inc()
}

func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.notifyFailure.Inc()
}

func (m *Metrics) ObserveRisk(score int) {
	if m == nil {
		return
	}
	m.riskScores.Observe(float64(score))
}
