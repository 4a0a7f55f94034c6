package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOp("create", true)
		m.ObserveEvent("vm", "info")
		m.SetLiveSessions(3)
		m.ObserveBruteForce()
		m.ObserveDeduct(5)
	})
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveOp("create", true)
	m.ObserveOp("create", false)
	m.ObserveOp("create", false)
	m.ObserveDeduct(30)
	m.ObserveDeduct(-4)
	m.SetLiveSessions(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("create", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Operations.WithLabelValues("create", "error")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.CreditsSpent))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LiveSessions))
}
