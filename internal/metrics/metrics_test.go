package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.StatusRecorded("red")
	m.StatusRecorded("red")
	m.Notification("status_update", "suppressed")
	m.EscalationActive(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StatusUpdates.WithLabelValues("red")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("status_update", "suppressed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EscalationsActive))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.StatusRecorded("green")
		m.Fanout(3)
		m.Published("status_update", "ok")
		m.SubscriberDelta(1)
		m.Notification("system", "created")
		m.Delivery("push", "ok")
		m.EscalationTransition("armed")
		m.EscalationActive(-1)
		m.Alert("exhausted")
	})
}
