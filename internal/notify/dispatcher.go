// Package notify turns realtime events into persisted, per-recipient
// notifications and hands them to delivery.
package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/celerix-dev/celerix-beacon/internal/clock"
	"github.com/celerix-dev/celerix-beacon/internal/delivery"
	"github.com/celerix-dev/celerix-beacon/internal/metrics"
	"github.com/celerix-dev/celerix-beacon/internal/realtime"
	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

// Suppression reasons.
const (
	ReasonToggleOff     = "toggle_off"
	ReasonQuietHours    = "quiet_hours"
	ReasonNotNotifiable = "not_notifiable"
)

// Outcome reports what OnRealtimeEvent did. Notification is nil when nothing
// was stored. Quiet hours keep the notification in the in-app list but skip
// external delivery.
type Outcome struct {
	Notification *schema.Notification
	Suppressed   bool
	Reason       string
	Duplicate    bool
}

// Publisher accepts realtime events.
type Publisher interface {
	Publish(ctx context.Context, ev schema.RealtimeEvent) error
}

// Options configure a Dispatcher. Zero values select defaults.
type Options struct {
	Policy    delivery.Policy
	Lanes     int
	Publisher Publisher
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Dispatcher is the single writer of notification rows.
type Dispatcher struct {
	store     Store
	settings  sdk.SettingsReader
	deliverer delivery.Deliverer
	policy    delivery.Policy
	lanes     int
	pub       Publisher
	clock     clock.Clock
	log       *slog.Logger
	m         *metrics.Metrics
}

func NewDispatcher(store Store, settings sdk.SettingsReader, d delivery.Deliverer, opts Options) *Dispatcher {
	disp := &Dispatcher{
		store:     store,
		settings:  settings,
		deliverer: d,
		policy:    opts.Policy,
		lanes:     opts.Lanes,
		pub:       opts.Publisher,
		clock:     opts.Clock,
		log:       opts.Logger,
		m:         opts.Metrics,
	}
	if disp.policy.MaxAttempts == 0 {
		disp.policy = delivery.DefaultPolicy()
	}
	if disp.lanes <= 0 {
		disp.lanes = 8
	}
	if disp.clock == nil {
		disp.clock = clock.Real{}
	}
	if disp.log == nil {
		disp.log = slog.Default()
	}
	if disp.deliverer == nil {
		disp.deliverer = delivery.LogDeliverer{Log: disp.log}
	}
	disp.log = disp.log.With("component", "notify")
	return disp
}

// PriorityFor maps an event to a notification priority. Red statuses and
// red templated messages are high so quiet hours never silence them.
func PriorityFor(ev schema.RealtimeEvent) schema.Priority {
	switch ev.Type {
	case schema.EventStatusUpdate:
		var p schema.StatusPayload
		_ = ev.Decode(&p)
		switch p.Status {
		case schema.StatusRed:
			return schema.PriorityHigh
		case schema.StatusYellow:
			return schema.PriorityNormal
		default:
			return schema.PriorityLow
		}
	case schema.EventMessage:
		var p schema.MessagePayload
		_ = ev.Decode(&p)
		if p.MessageType == schema.MessageRedPremade {
			return schema.PriorityHigh
		}
		return schema.PriorityNormal
	case schema.EventFriendRequest:
		return schema.PriorityNormal
	default:
		return schema.PriorityHigh
	}
}

// ChannelsFor selects external channels from the recipient's toggles. High
// priority always includes push.
func ChannelsFor(prefs schema.NotificationPreferences, p schema.Priority) []schema.Channel {
	var out []schema.Channel
	if prefs.PushEnabled || p == schema.PriorityHigh {
		out = append(out, schema.ChannelPush)
	}
	if prefs.SMSEnabled {
		out = append(out, schema.ChannelSMS)
	}
	if prefs.EmailEnabled {
		out = append(out, schema.ChannelEmail)
	}
	return out
}

// draft builds the notification for ev and reports whether the recipient's
// toggles allow it.
func draft(ev schema.RealtimeEvent, prefs schema.NotificationPreferences) (schema.Notification, bool, error) {
	n := schema.Notification{
		UserID:       ev.UserID,
		Priority:     PriorityFor(ev),
		SourceUserID: ev.SourceUserID,
		Revision:     ev.Revision,
		DedupKey:     ev.DedupKey(),
	}
	allowed := true

	switch ev.Type {
	case schema.EventStatusUpdate:
		var p schema.StatusPayload
		if err := ev.Decode(&p); err != nil {
			return n, false, fmt.Errorf("decode status payload: %w", err)
		}
		n.Type = schema.NotificationStatusUpdate
		n.Data = map[string]any{"user_id": p.UserID, "status": string(p.Status), "revision": p.Revision}
		switch p.Status {
		case schema.StatusRed:
			allowed = prefs.RedStatusAlerts
			n.Title = p.DisplayName + " needs support"
		case schema.StatusYellow:
			allowed = prefs.YellowStatusAlerts
			n.Title = p.DisplayName + " is having a tough time"
		default:
			n.Title = p.DisplayName + " is doing okay"
		}
		n.Body = p.Message
		if n.Body == "" {
			n.Body = fmt.Sprintf("%s set their status to %s.", p.DisplayName, p.Status)
		}
	case schema.EventFriendRequest:
		var p schema.FriendRequestPayload
		if err := ev.Decode(&p); err != nil {
			return n, false, fmt.Errorf("decode friend request payload: %w", err)
		}
		n.Type = schema.NotificationFriendRequest
		allowed = prefs.FriendRequests
		n.Data = map[string]any{"friendship_id": p.FriendshipID, "user_id": p.FromUserID, "state": string(p.State)}
		if p.State == schema.FriendshipAccepted {
			n.Title = "Friend request accepted"
			n.Body = p.FromName + " accepted your friend request."
		} else {
			n.Title = "New friend request"
			n.Body = p.FromName + " wants to connect."
		}
	case schema.EventMessage:
		var p schema.MessagePayload
		if err := ev.Decode(&p); err != nil {
			return n, false, fmt.Errorf("decode message payload: %w", err)
		}
		n.Type = schema.NotificationMessage
		allowed = prefs.Messages
		n.Title = "Message from " + p.SenderName
		n.Body = p.Content
		n.Data = map[string]any{"message_id": p.MessageID, "user_id": p.SenderID}
	}
	return n, allowed, nil
}

// OnRealtimeEvent applies the recipient's preferences to ev, persists the
// resulting notification once and delivers it. Delivery failures are logged
// and recorded, never returned.
func (d *Dispatcher) OnRealtimeEvent(ctx context.Context, ev schema.RealtimeEvent) (Outcome, error) {
	switch ev.Type {
	case schema.EventStatusUpdate, schema.EventFriendRequest, schema.EventMessage:
	default:
		return Outcome{Suppressed: true, Reason: ReasonNotNotifiable}, nil
	}

	settings, err := d.settings.GetSettings(ctx, ev.UserID)
	if err != nil {
		return Outcome{}, err
	}
	prefs := settings.Notifications

	n, allowed, err := draft(ev, prefs)
	if err != nil {
		return Outcome{}, err
	}
	if !allowed {
		d.m.Notification(string(n.Type), ReasonToggleOff)
		return Outcome{Suppressed: true, Reason: ReasonToggleOff}, nil
	}

	now := d.clock.Now()
	quiet := n.Priority != schema.PriorityHigh && InQuietHours(prefs.QuietHours, settings.Timezone, now)
	if !quiet {
		n.Channels = ChannelsFor(prefs, n.Priority)
	}
	n.ID = uuid.NewString()
	n.SentAt = now

	stored, created, err := d.store.Insert(ctx, n)
	if err != nil {
		return Outcome{}, fmt.Errorf("store notification: %w", err)
	}
	out := Outcome{Notification: &stored, Duplicate: !created}
	if quiet {
		out.Suppressed, out.Reason = true, ReasonQuietHours
	}
	if !created {
		d.m.Notification(string(n.Type), "duplicate")
		return out, nil
	}
	if quiet {
		d.m.Notification(string(n.Type), ReasonQuietHours)
		return out, nil
	}

	d.m.Notification(string(n.Type), "created")
	if delivered, err := d.deliver(ctx, stored); err != nil {
		d.log.Warn("notification delivery failed", "notification_id", stored.ID, "user_id", stored.UserID, "error", err)
	} else if delivered != nil {
		out.Notification = delivered
	}
	return out, nil
}

// deliver sends n on each of its channels with retries. The notification
// counts as delivered once any channel succeeds.
func (d *Dispatcher) deliver(ctx context.Context, n schema.Notification) (*schema.Notification, error) {
	if len(n.Channels) == 0 {
		return nil, nil
	}
	var errs []error
	ok := false
	for _, ch := range n.Channels {
		msg := delivery.Message{
			NotificationID: n.ID,
			UserID:         n.UserID,
			Channel:        ch,
			Title:          n.Title,
			Body:           n.Body,
			Priority:       n.Priority,
			Data:           n.Data,
		}
		attempts, err := delivery.Retry(ctx, d.policy, func(ctx context.Context) error {
			return d.deliverer.Deliver(ctx, msg)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s after %d attempts: %w", ch, attempts, err))
			continue
		}
		ok = true
	}
	if !ok {
		return nil, errors.Join(errs...)
	}
	if len(errs) > 0 {
		d.log.Warn("some channels failed", "notification_id", n.ID, "error", errors.Join(errs...))
	}
	updated, err := d.store.MarkDelivered(ctx, n.ID, d.clock.Now())
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// SendSystem creates an urgent system notification for userID and delivers
// it, bypassing toggles and quiet hours. dedupKey makes repeated calls safe:
// an existing row is redelivered only if it was never delivered.
func (d *Dispatcher) SendSystem(ctx context.Context, userID, title, body, dedupKey string, data map[string]any) (schema.Notification, error) {
	settings, err := d.settings.GetSettings(ctx, userID)
	if err != nil {
		return schema.Notification{}, err
	}
	if dedupKey == "" {
		dedupKey = "system:" + uuid.NewString()
	}
	now := d.clock.Now()
	n := schema.Notification{
		ID:       uuid.NewString(),
		UserID:   userID,
		Type:     schema.NotificationSystem,
		Priority: schema.PriorityHigh,
		Title:    title,
		Body:     body,
		Data:     data,
		DedupKey: dedupKey,
		Channels: ChannelsFor(settings.Notifications, schema.PriorityHigh),
		SentAt:   now,
	}
	stored, created, err := d.store.Insert(ctx, n)
	if err != nil {
		return schema.Notification{}, fmt.Errorf("store notification: %w", err)
	}
	if created {
		d.m.Notification(string(n.Type), "created")
		d.publish(ctx, stored)
	}
	if stored.DeliveredAt != nil {
		return stored, nil
	}
	delivered, err := d.deliver(ctx, stored)
	if err != nil {
		return stored, err
	}
	if delivered != nil {
		stored = *delivered
	}
	return stored, nil
}

func (d *Dispatcher) publish(ctx context.Context, n schema.Notification) {
	if d.pub == nil {
		return
	}
	ev, err := schema.NewEvent(schema.EventNotification, n.UserID, n)
	if err != nil {
		return
	}
	ev.ID = n.ID
	ev.Timestamp = n.SentAt
	if err := d.pub.Publish(ctx, ev); err != nil {
		d.log.Warn("publish notification event", "notification_id", n.ID, "error", err)
	}
}

// MarkAsRead marks one of userID's notifications read. Repeating it is a no-op.
func (d *Dispatcher) MarkAsRead(ctx context.Context, userID, id string) (schema.Notification, error) {
	return d.store.MarkRead(ctx, userID, id, d.clock.Now())
}

// MarkAllAsRead marks every unread notification of userID and returns how
// many changed.
func (d *Dispatcher) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	return d.store.MarkAllRead(ctx, userID, d.clock.Now())
}

// MarkDelivered records an external delivery receipt for one of userID's
// notifications.
func (d *Dispatcher) MarkDelivered(ctx context.Context, userID, id string) (schema.Notification, error) {
	n, err := d.store.Get(ctx, id)
	if err != nil {
		return schema.Notification{}, err
	}
	if n.UserID != userID {
		return schema.Notification{}, sdk.NotFound("notification", id)
	}
	return d.store.MarkDelivered(ctx, id, d.clock.Now())
}

func (d *Dispatcher) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]schema.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	return d.store.List(ctx, userID, unreadOnly, limit)
}

func (d *Dispatcher) UnreadCount(ctx context.Context, userID string) (int, error) {
	return d.store.UnreadCount(ctx, userID)
}

// Firehose opens subscriptions to every published event.
type Firehose interface {
	SubscribeAll() (*realtime.Subscription, error)
}

// Serve runs the dispatcher on sub and, whenever a subscription ends for any
// reason other than ctx or the hub closing, opens a new one on h. Events
// queued on the old subscription are drained before it is replaced.
func (d *Dispatcher) Serve(ctx context.Context, h Firehose, sub *realtime.Subscription) error {
	for {
		if sub == nil {
			var err error
			if sub, err = h.SubscribeAll(); err != nil {
				if errors.Is(err, realtime.ErrHubClosed) {
					return nil
				}
				return err
			}
		}
		err := d.Run(ctx, sub)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		d.log.Warn("event subscription ended, resubscribing", "error", err)
		sub = nil
	}
}

// Run consumes sub until ctx ends or the subscription closes. Events for the
// same recipient are handled in order on one lane; different recipients
// proceed in parallel.
func (d *Dispatcher) Run(ctx context.Context, sub *realtime.Subscription) error {
	lanes := make([]chan schema.RealtimeEvent, d.lanes)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan schema.RealtimeEvent, 64)
		wg.Add(1)
		go func(in <-chan schema.RealtimeEvent) {
			defer wg.Done()
			for ev := range in {
				if _, err := d.OnRealtimeEvent(ctx, ev); err != nil {
					d.log.Error("dispatch event", "event_id", ev.ID, "user_id", ev.UserID, "type", ev.Type, "error", err)
				}
			}
		}(lanes[i])
	}
	defer func() {
		for _, l := range lanes {
			close(l)
		}
		wg.Wait()
	}()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, realtime.ErrClosed) {
				return nil
			}
			return err
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(ev.UserID))
		select {
		case lanes[h.Sum32()%uint32(len(lanes))] <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}
