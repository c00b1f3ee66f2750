// Package fanout decides who receives a user's status and publishes one
// realtime event per recipient.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/celerix-dev/celerix-beacon/internal/metrics"
	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

var tracer = otel.Tracer("beacon/fanout")

// Directory is what the router reads.
type Directory interface {
	sdk.UserReader
	sdk.FriendshipReader
	sdk.SettingsReader
}

// Publisher accepts realtime events.
type Publisher interface {
	Publish(ctx context.Context, ev schema.RealtimeEvent) error
}

// Router computes recipients and publishes events.
type Router struct {
	dir         Directory
	pub         Publisher
	concurrency int
	log         *slog.Logger
	m           *metrics.Metrics
}

// New creates a Router. concurrency bounds parallel settings lookups.
func New(dir Directory, pub Publisher, concurrency int, log *slog.Logger, m *metrics.Metrics) *Router {
	if concurrency <= 0 {
		concurrency = 8
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{dir: dir, pub: pub, concurrency: concurrency, log: log.With("component", "fanout"), m: m}
}

// CanSee reports whether a sender with the given settings shares status
// updates with a recipient with the given settings. Both must be accepted
// friends; private on either side hides the update.
func CanSee(sender, recipient schema.UserSettings) bool {
	return sender.Privacy.StatusVisibility != schema.VisibilityPrivate &&
		recipient.Privacy.StatusVisibility != schema.VisibilityPrivate
}

// Recipients returns the accepted friends of userID who may see its status,
// sorted by ID. A friend whose settings cannot be read is left out and
// reported in the joined error; the others are still returned.
func (r *Router) Recipients(ctx context.Context, userID string) ([]string, error) {
	sender, err := r.dir.GetSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	friends, err := sdk.AcceptedFriendIDs(ctx, r.dir, userID)
	if err != nil {
		return nil, err
	}
	if sender.Privacy.StatusVisibility == schema.VisibilityPrivate || len(friends) == 0 {
		return nil, nil
	}

	var (
		mu   sync.Mutex
		out  []string
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(r.concurrency)
	for _, id := range friends {
		id := id
		g.Go(func() error {
			s, err := r.dir.GetSettings(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, fmt.Errorf("settings of %s: %w", id, err))
			case CanSee(sender, s):
				out = append(out, id)
			}
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(out)
	return out, errors.Join(errs...)
}

// HandleStatusChanged publishes a status_update event to every recipient.
// Re-running it for the same revision is safe: consumers de-duplicate on
// (source user, revision).
func (r *Router) HandleStatusChanged(ctx context.Context, ev schema.StatusChanged) error {
	ctx, span := tracer.Start(ctx, "fanout.HandleStatusChanged")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", ev.UserID), attribute.Int64("revision", ev.Revision))

	// One failing recipient never stops delivery to the others.
	var errs []error
	recipients, err := r.Recipients(ctx, ev.UserID)
	if err != nil {
		span.RecordError(err)
		r.log.Warn("unresolved recipients", "user_id", ev.UserID, "revision", ev.Revision, "resolved", len(recipients), "error", err)
		errs = append(errs, fmt.Errorf("resolve recipients: %w", err))
	}
	span.SetAttributes(attribute.Int("recipients", len(recipients)))
	r.m.Fanout(len(recipients))

	name := ev.UserID
	if u, err := r.dir.GetUser(ctx, ev.UserID); err == nil {
		name = u.Name()
	}
	payload := schema.StatusPayload{
		UserID:      ev.UserID,
		DisplayName: name,
		Status:      ev.Status,
		Message:     ev.Message,
		Revision:    ev.Revision,
		UpdatedAt:   ev.Timestamp,
	}

	for _, to := range recipients {
		out, err := schema.NewEvent(schema.EventStatusUpdate, to, payload)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.SourceUserID = ev.UserID
		out.Revision = ev.Revision
		out.Timestamp = ev.Timestamp
		if err := r.pub.Publish(ctx, out); err != nil {
			span.RecordError(err)
			errs = append(errs, fmt.Errorf("publish to %s: %w", to, err))
		}
	}
	r.log.Debug("status fanned out", "user_id", ev.UserID, "revision", ev.Revision, "recipients", len(recipients))
	return errors.Join(errs...)
}

// HandleDirectoryChange turns friendship requests and answers into
// friend_request events for the affected user.
func (r *Router) HandleDirectoryChange(ctx context.Context, c sdk.Change) error {
	if c.Friendship == nil {
		return nil
	}
	f := *c.Friendship
	switch c.Kind {
	case sdk.ChangeFriendshipRequest, sdk.ChangeFriendshipAccepted:
	default:
		return nil
	}

	from := f.Other(c.UserID)
	name := from
	if u, err := r.dir.GetUser(ctx, from); err == nil {
		name = u.Name()
	}
	ev, err := schema.NewEvent(schema.EventFriendRequest, c.UserID, schema.FriendRequestPayload{
		FriendshipID: f.ID,
		FromUserID:   from,
		FromName:     name,
		State:        f.State,
	})
	if err != nil {
		return err
	}
	ev.ID = f.ID + ":" + string(f.State)
	ev.SourceUserID = from
	ev.Timestamp = f.UpdatedAt
	return r.pub.Publish(ctx, ev)
}

// PublishMessage notifies the recipient of a friend message.
func (r *Router) PublishMessage(ctx context.Context, m schema.Message) error {
	name := m.SenderID
	if u, err := r.dir.GetUser(ctx, m.SenderID); err == nil {
		name = u.Name()
	}
	ev, err := schema.NewEvent(schema.EventMessage, m.RecipientID, schema.MessagePayload{
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		SenderName:  name,
		MessageType: m.MessageType,
		Content:     m.Content,
	})
	if err != nil {
		return err
	}
	ev.ID = m.ID
	ev.SourceUserID = m.SenderID
	ev.Timestamp = m.SentAt
	return r.pub.Publish(ctx, ev)
}
