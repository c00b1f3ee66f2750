// Package ledger records status revisions. Updates for one user are
// serialized and numbered 1, 2, 3... without gaps; different users proceed
// in parallel.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/celerix-dev/celerix-beacon/internal/clock"
	"github.com/celerix-dev/celerix-beacon/internal/metrics"
	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

// DefaultMaxMessageLength bounds the optional status message, in runes.
const DefaultMaxMessageLength = 280

// maxAppendAttempts bounds retries after a concurrency conflict, which only
// happens when another engine node writes the same user.
const maxAppendAttempts = 5

var tracer = otel.Tracer("beacon/ledger")

// Sink receives every recorded change. Sinks run while the user's lock is
// held, so for one user they observe changes in revision order.
type Sink func(ctx context.Context, ev schema.StatusChanged)

// Options tune a Ledger. Zero values select defaults.
type Options struct {
	MaxMessageLength int
	Clock            clock.Clock
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Ledger is the single writer of UserStatus rows.
type Ledger struct {
	store  Store
	users  sdk.UserReader
	locks  keyedMutex
	maxMsg int
	clock  clock.Clock
	log    *slog.Logger
	m      *metrics.Metrics

	sinksMu sync.RWMutex
	sinks   []Sink
}

// New creates a Ledger over store. users is consulted to reject unknown users.
func New(store Store, users sdk.UserReader, opts Options) *Ledger {
	l := &Ledger{
		store:  store,
		users:  users,
		maxMsg: opts.MaxMessageLength,
		clock:  opts.Clock,
		log:    opts.Logger,
		m:      opts.Metrics,
	}
	if l.maxMsg <= 0 {
		l.maxMsg = DefaultMaxMessageLength
	}
	if l.clock == nil {
		l.clock = clock.Real{}
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	l.log = l.log.With("component", "ledger")
	return l
}

// OnChange registers a sink. Register sinks before the first SetStatus.
func (l *Ledger) OnChange(s Sink) {
	l.sinksMu.Lock()
	l.sinks = append(l.sinks, s)
	l.sinksMu.Unlock()
}

// SetStatus validates and records a new revision for userID, then notifies
// every sink before returning.
func (l *Ledger) SetStatus(ctx context.Context, userID string, status schema.Status, message string) (schema.UserStatus, error) {
	ctx, span := tracer.Start(ctx, "ledger.SetStatus")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID), attribute.String("status", string(status)))

	rec, err := l.setStatus(ctx, userID, status, message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return schema.UserStatus{}, err
	}
	span.SetAttributes(attribute.Int64("revision", rec.Revision))
	return rec, nil
}

func (l *Ledger) setStatus(ctx context.Context, userID string, status schema.Status, message string) (schema.UserStatus, error) {
	if !status.Valid() {
		return schema.UserStatus{}, sdk.Invalid("status", "must be green, yellow or red, got %q", status)
	}
	message = strings.TrimSpace(message)
	if n := utf8.RuneCountInString(message); n > l.maxMsg {
		return schema.UserStatus{}, sdk.Invalid("message", "is %d characters, limit is %d", n, l.maxMsg)
	}
	if _, err := l.users.GetUser(ctx, userID); err != nil {
		return schema.UserStatus{}, err
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	var rec schema.UserStatus
	for attempt := 1; ; attempt++ {
		latest, _, err := l.store.Latest(ctx, userID)
		if err != nil {
			return schema.UserStatus{}, fmt.Errorf("read latest status: %w", err)
		}
		rec = schema.UserStatus{
			UserID:    userID,
			Revision:  latest.Revision + 1,
			Status:    status,
			Message:   message,
			UpdatedAt: l.clock.Now(),
		}
		err = l.store.Append(ctx, rec)
		if err == nil {
			break
		}
		if !errors.Is(err, sdk.ErrConcurrencyConflict) || attempt >= maxAppendAttempts {
			return schema.UserStatus{}, fmt.Errorf("append status: %w", err)
		}
		l.log.Warn("revision conflict, retrying", "user_id", userID, "attempt", attempt)
	}

	l.m.StatusRecorded(string(status))
	l.log.Info("status recorded", "user_id", userID, "revision", rec.Revision, "status", status)

	// Downstream work must not be cut short by the caller going away.
	l.emit(context.WithoutCancel(ctx), rec.Event())
	return rec, nil
}

func (l *Ledger) emit(ctx context.Context, ev schema.StatusChanged) {
	l.sinksMu.RLock()
	sinks := l.sinks
	l.sinksMu.RUnlock()
	for _, s := range sinks {
		s(ctx, ev)
	}
}

// Current returns the latest status of userID.
func (l *Ledger) Current(ctx context.Context, userID string) (schema.UserStatus, error) {
	s, ok, err := l.store.Latest(ctx, userID)
	if err != nil {
		return schema.UserStatus{}, err
	}
	if !ok {
		return schema.UserStatus{}, sdk.NotFound("status", userID)
	}
	return s, nil
}

// CurrentRevision returns the latest revision of userID, or 0 if none.
func (l *Ledger) CurrentRevision(ctx context.Context, userID string) (int64, error) {
	s, _, err := l.store.Latest(ctx, userID)
	if err != nil {
		return 0, err
	}
	return s.Revision, nil
}

// History returns up to limit revisions of userID, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]schema.UserStatus, error) {
	return l.store.History(ctx, userID, limit)
}
