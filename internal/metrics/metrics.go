// Package metrics holds the Prometheus collectors for the fleet engines.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Operations     *prometheus.CounterVec
	BackendLatency *prometheus.HistogramVec
	Events         *prometheus.CounterVec
	LiveSessions   prometheus.Gauge
	BruteForce     prometheus.Counter
	CreditsSpent   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmfleet",
			Name:      "vm_operations_total",
			Help:      "Lifecycle operations by kind and result.",
		}, []string{"op", "result"}),
		BackendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vmfleet",
			Name:      "backend_call_seconds",
			Help:      "Latency of provisioning backend calls.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 300},
		}, []string{"op"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmfleet",
			Name:      "events_total",
			Help:      "Recorded events by type and severity.",
		}, []string{"type", "severity"}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmfleet",
			Name:      "terminal_sessions_live",
			Help:      "Terminal sessions currently registered.",
		}),
		BruteForce: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vmfleet",
			Name:      "brute_force_alerts_total",
			Help:      "Brute-force detections that raised an alert.",
		}),
		CreditsSpent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vmfleet",
			Name:      "credits_deducted_total",
			Help:      "Credits deducted from user balances.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.BackendLatency, m.Events, m.LiveSessions, m.BruteForce, m.CreditsSpent)
	}
	return m
}

func (m *Metrics) ObserveOp(op string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveBackend(op string, started time.Time) {
	if m == nil {
		return
	}
	m.BackendLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObserveEvent(typ, severity string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(typ, severity).Inc()
}

func (m *Metrics) SetLiveSessions(n int) {
	if m == nil {
		return
	}
	m.LiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveBruteForce() {
	if m == nil {
		return
	}
	m.BruteForce.Inc()
}

func (m *Metrics) ObserveDeduct(amount int) {
	if m == nil || amount <= 0 {
		return
	}
	m.CreditsSpent.Add(float64(amount))
}
