package delivery

import (
	"context"
	"log/slog"

	"github.com/celerix-dev/celerix-beacon/internal/metrics"
)

// Alert is raised on the operational channel when escalation needs a human.
type Alert struct {
	Reason   string `json:"reason"`
	UserID   string `json:"user_id"`
	Revision int64  `json:"revision"`
	RunID    string `json:"run_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Alerter raises operational alerts. Alerts must never be dropped silently.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context, a Alert)

func (f AlerterFunc) Alert(ctx context.Context, a Alert) { f(ctx, a) }

// LogAlerter logs at ERROR and counts alerts by reason.
type LogAlerter struct {
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

func (l LogAlerter) Alert(ctx context.Context, a Alert) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.ErrorContext(ctx, "operational alert",
		"reason", a.Reason,
		"user_id", a.UserID,
		"revision", a.Revision,
		"run_id", a.RunID,
		"detail", a.Detail,
	)
	l.Metrics.Alert(a.Reason)
}
