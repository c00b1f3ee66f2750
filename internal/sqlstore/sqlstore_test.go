package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-beacon/internal/vault"
	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStatusStore_AppendAndHistory(t *testing.T) {
	db := setupTestDB(t)
	sealer, err := vault.NewSealer(testKey)
	require.NoError(t, err)
	s, err := NewStatusStore(db, sealer)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_, ok, err := s.Latest(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Append(ctx, schema.UserStatus{UserID: "u1", Revision: 1, Status: schema.StatusYellow, Message: "tired", UpdatedAt: now}))
	require.NoError(t, s.Append(ctx, schema.UserStatus{UserID: "u1", Revision: 2, Status: schema.StatusRed, Message: "need help", UpdatedAt: now.Add(time.Minute)}))

	err = s.Append(ctx, schema.UserStatus{UserID: "u1", Revision: 2, Status: schema.StatusGreen, UpdatedAt: now})
	assert.True(t, errors.Is(err, sdk.ErrConcurrencyConflict), "got %v", err)

	latest, ok, err := s.Latest(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), latest.Revision)
	assert.Equal(t, "need help", latest.Message)
	assert.True(t, latest.UpdatedAt.Equal(now.Add(time.Minute)))

	hist, err := s.History(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, int64(2), hist[0].Revision)

	// The message column is not stored in clear text.
	var raw string
	require.NoError(t, db.QueryRow(`SELECT message FROM user_status WHERE revision = 1`).Scan(&raw))
	assert.True(t, strings.HasPrefix(raw, "enc:v1:"))
}

func TestNotificationStore_Dedup(t *testing.T) {
	s, err := NewNotificationStore(setupTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	n := schema.Notification{
		ID: "n1", UserID: "b", Type: schema.NotificationStatusUpdate, Priority: schema.PriorityHigh,
		Title: "Ana needs help", Body: "", Data: map[string]any{"status": "red"},
		SourceUserID: "a", Revision: 3, DedupKey: "status:a:3",
		Channels: []schema.Channel{schema.ChannelPush}, SentAt: now,
	}
	got, created, err := s.Insert(ctx, n)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "n1", got.ID)

	n.ID = "n2"
	got, created, err = s.Insert(ctx, n)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "n1", got.ID)
	assert.Equal(t, "red", got.Data["status"])
	assert.Equal(t, []schema.Channel{schema.ChannelPush}, got.Channels)

	list, err := s.List(ctx, "b", false, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestNotificationStore_ReadAndDelivered(t *testing.T) {
	s, err := NewNotificationStore(setupTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, key := range []string{"k1", "k2", "k3"} {
		_, _, err := s.Insert(ctx, schema.Notification{
			ID: key, UserID: "b", Type: schema.NotificationSystem, Priority: schema.PriorityNormal,
			Title: key, DedupKey: key, SentAt: t0.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	count, err := s.UnreadCount(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	first, err := s.MarkRead(ctx, "b", "k1", t0.Add(time.Hour))
	require.NoError(t, err)
	again, err := s.MarkRead(ctx, "b", "k1", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, first.ReadAt.Equal(*again.ReadAt), "read_at must keep the first timestamp")

	_, err = s.MarkRead(ctx, "someone-else", "k2", t0)
	assert.True(t, errors.Is(err, sdk.ErrNotFound))

	unread, err := s.List(ctx, "b", true, 0)
	require.NoError(t, err)
	require.Len(t, unread, 2)
	assert.Equal(t, "k3", unread[0].ID, "newest first")

	n, err := s.MarkAllRead(ctx, "b", t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.MarkAllRead(ctx, "b", t0.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	d, err := s.MarkDelivered(ctx, "k2", t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, d.DeliveredAt)

	_, err = s.MarkDelivered(ctx, "missing", t0)
	assert.True(t, errors.Is(err, sdk.ErrNotFound))
}

func TestMessageStore_Conversation(t *testing.T) {
	s, err := NewMessageStore(setupTestDB(t), nil)
	require.NoError(t, err)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	msgs := []schema.Message{
		{ID: "m1", SenderID: "a", RecipientID: "b", MessageType: schema.MessageCustom, Content: "hey", SentAt: t0},
		{ID: "m2", SenderID: "b", RecipientID: "a", MessageType: schema.MessageRedPremade, Content: "I'm here for you", SentAt: t0.Add(time.Second)},
		{ID: "m3", SenderID: "a", RecipientID: "c", MessageType: schema.MessageCustom, Content: "other", SentAt: t0.Add(2 * time.Second)},
	}
	for _, m := range msgs {
		require.NoError(t, s.Insert(ctx, m))
	}

	conv, err := s.Conversation(ctx, "b", "a", 10)
	require.NoError(t, err)
	require.Len(t, conv, 2)
	assert.Equal(t, "m1", conv[0].ID)
	assert.Equal(t, "m2", conv[1].ID)

	last, err := s.Conversation(ctx, "a", "b", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "m2", last[0].ID)

	_, err = s.MarkRead(ctx, "a", "m1", t0)
	assert.True(t, errors.Is(err, sdk.ErrNotFound), "sender cannot mark own message read")

	read, err := s.MarkRead(ctx, "b", "m1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.NotNil(t, read.ReadAt)

	_, err = s.Get(ctx, "nope")
	assert.True(t, errors.Is(err, sdk.ErrNotFound))
}
