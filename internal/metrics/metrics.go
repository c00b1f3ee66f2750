// Package metrics defines the Prometheus collectors of the beacon engine.
//
// Every recording method is safe to call on a nil *Metrics, so components
// can be constructed without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "beacon"

// Metrics holds all collectors.
type Metrics struct {
	StatusUpdates       *prometheus.CounterVec
	FanoutRecipients    prometheus.Histogram
	RealtimePublished   *prometheus.CounterVec
	RealtimeSubscribers prometheus.Gauge
	Notifications       *prometheus.CounterVec
	DeliveryAttempts    *prometheus.CounterVec
	EscalationStates    *prometheus.CounterVec
	EscalationsActive   prometheus.Gauge
	OperationalAlerts   *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StatusUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "status_updates_total",
			Help:      "Recorded status revisions by status.",
		}, []string{"status"}),
		FanoutRecipients: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "recipients",
			Help:      "Number of recipients per status change.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		RealtimePublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_published_total",
			Help:      "Realtime events published by type and result.",
		}, []string{"type", "result"}),
		RealtimeSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "subscribers",
			Help:      "Currently open realtime subscriptions.",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Dispatcher outcomes by notification type.",
		}, []string{"type", "outcome"}),
		DeliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery attempts by channel and result.",
		}, []string{"channel", "result"}),
		EscalationStates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escalation",
			Name:      "transitions_total",
			Help:      "Escalation run transitions by target state.",
		}, []string{"state"}),
		EscalationsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "escalation",
			Name:      "active_runs",
			Help:      "Escalation runs not yet in a terminal state.",
		}),
		OperationalAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "alerts_total",
			Help:      "Alerts raised on the operational channel by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) StatusRecorded(status string) {
	if m == nil {
		return
	}
	m.StatusUpdates.WithLabelValues(status).Inc()
}

func (m *Metrics) Fanout(recipients int) {
	if m == nil {
		return
	}
	m.FanoutRecipients.Observe(float64(recipients))
}

func (m *Metrics) Published(eventType, result string) {
	if m == nil {
		return
	}
	m.RealtimePublished.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) SubscriberDelta(delta float64) {
	if m == nil {
		return
	}
	m.RealtimeSubscribers.Add(delta)
}

func (m *Metrics) Notification(notificationType, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(notificationType, outcome).Inc()
}

func (m *Metrics) Delivery(channel, result string) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) EscalationTransition(state string) {
	if m == nil {
		return
	}
	m.EscalationStates.WithLabelValues(state).Inc()
}

func (m *Metrics) EscalationActive(delta float64) {
	if m == nil {
		return
	}
	m.EscalationsActive.Add(delta)
}

func (m *Metrics) Alert(reason string) {
	if m == nil {
		return
	}
	m.OperationalAlerts.WithLabelValues(reason).Inc()
}
