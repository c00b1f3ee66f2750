// Package realtime delivers events to connected users. Every user
// subscription owns a bounded FIFO queue drained through a token-bucket
// limiter: bursts above the limit wait in the queue instead of being dropped.
// Firehose subscriptions feed server-side consumers and are never closed for
// falling behind; their backlog grows instead.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/celerix-dev/celerix-beacon/internal/metrics"
	"github.com/celerix-dev/celerix-beacon/pkg/schema"
)

var (
	// ErrSlowConsumer closes a subscription whose queue stayed full for
	// longer than the publish timeout. The client should resync from its
	// notification list.
	ErrSlowConsumer = errors.New("realtime: subscriber too slow")
	// ErrClosed is returned by Next after the subscription was closed.
	ErrClosed = errors.New("realtime: subscription closed")
	// ErrHubClosed is returned by Publish after Close.
	ErrHubClosed = errors.New("realtime: hub closed")
)

// Config holds the per-subscription limits.
type Config struct {
	EventsPerSecond float64
	Burst           int
	QueueSize       int
	// FirehoseQueueSize is the firehose backlog above which the hub warns.
	FirehoseQueueSize int
	PublishTimeout    time.Duration
}

// DefaultConfig matches the client SDK's 10 events per second.
func DefaultConfig() Config {
	return Config{
		EventsPerSecond:   10,
		Burst:             10,
		QueueSize:         256,
		FirehoseQueueSize: 4096,
		PublishTimeout:    5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.EventsPerSecond <= 0 {
		c.EventsPerSecond = d.EventsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.FirehoseQueueSize <= 0 {
		c.FirehoseQueueSize = d.FirehoseQueueSize
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	return c
}

// Relay receives events published on this node, for forwarding to others.
type Relay func(ctx context.Context, ev schema.RealtimeEvent)

// Hub routes events to subscriptions by recipient.
type Hub struct {
	cfg Config
	log *slog.Logger
	m   *metrics.Metrics

	mu       sync.RWMutex
	byUser   map[string]map[uint64]*Subscription
	firehose map[uint64]*Subscription
	nextID   uint64
	closed   bool
	relay    Relay
}

// NewHub creates a hub. log and m may be nil.
func NewHub(cfg Config, log *slog.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		cfg:      cfg.withDefaults(),
		log:      log.With("component", "realtime"),
		m:        m,
		byUser:   make(map[string]map[uint64]*Subscription),
		firehose: make(map[uint64]*Subscription),
	}
}

// Config returns the effective configuration.
func (h *Hub) Config() Config { return h.cfg }

// SetRelay installs the hook that forwards locally published events.
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

// Subscribe opens a rate-limited subscription to userID's events.
func (h *Hub) Subscribe(userID string) (*Subscription, error) {
	limiter := rate.NewLimiter(rate.Limit(h.cfg.EventsPerSecond), h.cfg.Burst)
	return h.add(userID, h.cfg.QueueSize, limiter)
}

// SubscribeAll opens an unthrottled subscription to every event, for
// server-side consumers.
func (h *Hub) SubscribeAll() (*Subscription, error) {
	return h.add("", 0, rate.NewLimiter(rate.Inf, 0))
}

func (h *Hub) add(userID string, size int, limiter *rate.Limiter) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.nextID++
	s := &Subscription{
		id:      h.nextID,
		userID:  userID,
		hub:     h,
		limiter: limiter,
		done:    make(chan struct{}),
	}
	if userID == "" {
		s.ready = make(chan struct{}, 1)
	} else {
		s.queue = make(chan schema.RealtimeEvent, size)
	}
	if userID == "" {
		h.firehose[s.id] = s
	} else {
		subs := h.byUser[userID]
		if subs == nil {
			subs = make(map[uint64]*Subscription)
			h.byUser[userID] = subs
		}
		subs[s.id] = s
	}
	h.m.SubscriberDelta(1)
	return s, nil
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.userID == "" {
		if _, ok := h.firehose[s.id]; !ok {
			return
		}
		delete(h.firehose, s.id)
	} else {
		subs := h.byUser[s.userID]
		if _, ok := subs[s.id]; !ok {
			return
		}
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(h.byUser, s.userID)
		}
	}
	h.m.SubscriberDelta(-1)
}

// Publish delivers ev to the recipient's subscriptions and the firehose,
// then hands it to the relay. It blocks while a subscriber queue is full.
func (h *Hub) Publish(ctx context.Context, ev schema.RealtimeEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := h.Deliver(ctx, ev); err != nil {
		return err
	}

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		relay(ctx, ev)
	}
	return nil
}

// Deliver hands ev to local subscriptions only. Bridges use it for events
// received from other nodes.
func (h *Hub) Deliver(ctx context.Context, ev schema.RealtimeEvent) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	targets := make([]*Subscription, 0, len(h.byUser[ev.UserID])+len(h.firehose))
	for _, s := range h.byUser[ev.UserID] {
		targets = append(targets, s)
	}
	for _, s := range h.firehose {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.enqueue(ctx, ev, h.cfg.PublishTimeout); err != nil {
			if errors.Is(err, ErrSlowConsumer) {
				h.m.Published(string(ev.Type), "slow_consumer")
				h.log.Warn("closed slow subscriber", "user_id", s.userID, "event_id", ev.ID)
				continue
			}
			return err
		}
	}
	h.m.Published(string(ev.Type), "ok")
	return nil
}

// Close closes every subscription. Later Publish calls fail.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Subscription
	for _, subs := range h.byUser {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	for _, s := range h.firehose {
		all = append(all, s)
	}
	h.mu.Unlock()

	for _, s := range all {
		s.closeWith(ErrClosed)
	}
}

// Subscription is one consumer's ordered event stream.
type Subscription struct {
	id      uint64
	userID  string
	hub     *Hub
	queue   chan schema.RealtimeEvent
	limiter *rate.Limiter

	// Firehose only: an unbounded FIFO and its wakeup signal.
	bmu     sync.Mutex
	backlog []schema.RealtimeEvent
	ready   chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// UserID returns the subscribed recipient, or "" for the firehose.
func (s *Subscription) UserID() string { return s.userID }

// Next returns the next event once the limiter grants a token. Events queued
// before the subscription closed are still returned; the close reason comes
// after them.
func (s *Subscription) Next(ctx context.Context) (schema.RealtimeEvent, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return schema.RealtimeEvent{}, err
	}
	if s.ready != nil {
		return s.nextBacklog(ctx)
	}
	select {
	case ev := <-s.queue:
		return ev, nil
	case <-s.done:
		select {
		case ev := <-s.queue:
			return ev, nil
		default:
			return schema.RealtimeEvent{}, s.err
		}
	case <-ctx.Done():
		return schema.RealtimeEvent{}, ctx.Err()
	}
}

func (s *Subscription) nextBacklog(ctx context.Context) (schema.RealtimeEvent, error) {
	for {
		if ev, ok := s.pop(); ok {
			return ev, nil
		}
		select {
		case <-s.ready:
		case <-s.done:
			if ev, ok := s.pop(); ok {
				return ev, nil
			}
			return schema.RealtimeEvent{}, s.err
		case <-ctx.Done():
			return schema.RealtimeEvent{}, ctx.Err()
		}
	}
}

func (s *Subscription) pop() (schema.RealtimeEvent, bool) {
	s.bmu.Lock()
	defer s.bmu.Unlock()
	if len(s.backlog) == 0 {
		return schema.RealtimeEvent{}, false
	}
	ev := s.backlog[0]
	s.backlog[0] = schema.RealtimeEvent{}
	s.backlog = s.backlog[1:]
	return ev, true
}

// push appends to the firehose backlog. It never blocks.
func (s *Subscription) push(ev schema.RealtimeEvent) {
	s.bmu.Lock()
	s.backlog = append(s.backlog, ev)
	n := len(s.backlog)
	s.bmu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
	if warn := s.hub.cfg.FirehoseQueueSize; n > warn && (n-1)%warn == 0 {
		s.hub.log.Warn("firehose backlog growing", "backlog", n)
	}
}

// Backlog returns the number of events waiting to be read.
func (s *Subscription) Backlog() int {
	if s.ready == nil {
		return len(s.queue)
	}
	s.bmu.Lock()
	defer s.bmu.Unlock()
	return len(s.backlog)
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns why the subscription ended, or nil while it is open.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close ends the subscription.
func (s *Subscription) Close() { s.closeWith(ErrClosed) }

func (s *Subscription) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
		s.hub.remove(s)
	})
}

func (s *Subscription) enqueue(ctx context.Context, ev schema.RealtimeEvent, timeout time.Duration) error {
	if s.ready != nil {
		s.push(ev)
		return nil
	}
	select {
	case s.queue <- ev:
		return nil
	case <-s.done:
		return nil
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case s.queue <- ev:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		s.closeWith(ErrSlowConsumer)
		return ErrSlowConsumer
	}
}
