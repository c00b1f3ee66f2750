// Package delivery hands notifications to external channels (push, SMS,
// email, voice call) and raises operational alerts.
package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/celerix-dev/celerix-beacon/internal/metrics"
	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

// Message is one delivery attempt's payload. Address is the channel-specific
// destination; for app users it is empty and the provider resolves UserID.
type Message struct {
	NotificationID string          `json:"notification_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	Address        string          `json:"address,omitempty"`
	Channel        schema.Channel  `json:"channel"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Priority       schema.Priority `json:"priority"`
	Data           map[string]any  `json:"data,omitempty"`
}

// Deliverer sends a message. Implementations classify failures with
// sdk.Transient or sdk.Permanent; unclassified errors are retried.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// Func adapts a function to Deliverer.
type Func func(ctx context.Context, msg Message) error

func (f Func) Deliver(ctx context.Context, msg Message) error { return f(ctx, msg) }

// LogDeliverer writes messages to the log. It is the default when no
// provider is configured.
type LogDeliverer struct {
	Log *slog.Logger
}

func (d LogDeliverer) Deliver(ctx context.Context, msg Message) error {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "deliver",
		"channel", msg.Channel,
		"user_id", msg.UserID,
		"address", msg.Address,
		"priority", msg.Priority,
		"title", msg.Title,
	)
	return nil
}

// Router picks a Deliverer by channel, falling back to Default.
type Router struct {
	Routes  map[schema.Channel]Deliverer
	Default Deliverer
}

func (r Router) Deliver(ctx context.Context, msg Message) error {
	if d, ok := r.Routes[msg.Channel]; ok {
		return d.Deliver(ctx, msg)
	}
	if r.Default != nil {
		return r.Default.Deliver(ctx, msg)
	}
	return sdk.Permanent(fmt.Errorf("no deliverer for channel %q", msg.Channel))
}

// Instrumented counts attempts per channel and result.
func Instrumented(d Deliverer, m *metrics.Metrics) Deliverer {
	return Func(func(ctx context.Context, msg Message) error {
		err := d.Deliver(ctx, msg)
		result := "ok"
		switch {
		case err == nil:
		case sdk.IsRetryable(err):
			result = "transient"
		default:
			result = "permanent"
		}
		m.Delivery(string(msg.Channel), result)
		return err
	})
}
