package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/celerix-dev/celerix-beacon/pkg/schema"
)

// DefaultChannel is the Redis pub/sub channel shared by all nodes.
const DefaultChannel = "beacon:realtime"

// envelope tags relayed events with the node that published them so a node
// ignores its own traffic.
type envelope struct {
	Node  string               `json:"node"`
	Event schema.RealtimeEvent `json:"event"`
}

// Bridge relays events between engine nodes over Redis pub/sub. Delivery
// across nodes is at-least-once; consumers de-duplicate.
type Bridge struct {
	client  *redis.Client
	channel string
	hub     *Hub
	node    string
	log     *slog.Logger
}

// NewBridge connects hub to the Redis server at addr.
func NewBridge(addr, password string, db int, channel string, hub *Hub, log *slog.Logger) *Bridge {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Bridge{
		client:  rdb,
		channel: channel,
		hub:     hub,
		node:    uuid.NewString(),
		log:     log.With("component", "realtime-bridge"),
	}
}

// Ping checks the Redis connection.
func (b *Bridge) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Forward publishes a locally originated event to the other nodes. It is
// installed as the hub relay, so errors are logged rather than returned.
func (b *Bridge) Forward(ctx context.Context, ev schema.RealtimeEvent) {
	payload, err := json.Marshal(envelope{Node: b.node, Event: ev})
	if err != nil {
		b.log.Error("encode relayed event", "event_id", ev.ID, "error", err)
		return
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.log.Warn("relay event", "event_id", ev.ID, "error", err)
	}
}

// Run subscribes to the channel and delivers remote events to the local hub
// until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.hub.SetRelay(b.Forward)
	defer b.hub.SetRelay(nil)

	sub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(ctx, msg.Payload)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.log.Warn("discard malformed relayed event", "error", err)
		return
	}
	if env.Node == b.node {
		return
	}
	if err := b.hub.Deliver(ctx, env.Event); err != nil && !errors.Is(err, context.Canceled) {
		b.log.Warn("deliver relayed event", "event_id", env.Event.ID, "error", err)
	}
}

// Close releases the Redis connection.
func (b *Bridge) Close() error {
	return b.client.Close()
}
