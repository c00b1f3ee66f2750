package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

// NotificationStore persists notifications. (user_id, dedup_key) is unique,
// so a redelivered event never creates a second row.
type NotificationStore struct {
	db *sql.DB
}

func NewNotificationStore(db *sql.DB) (*NotificationStore, error) {
	s := &NotificationStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *NotificationStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS notifications (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        type TEXT NOT NULL,
        priority TEXT NOT NULL,
        title TEXT NOT NULL,
        body TEXT NOT NULL,
        data JSON,
        source_user_id TEXT NOT NULL DEFAULT '',
        revision INTEGER NOT NULL DEFAULT 0,
        dedup_key TEXT NOT NULL,
        channels JSON,
        sent_at DATETIME NOT NULL,
        delivered_at DATETIME,
        read_at DATETIME,
        UNIQUE (user_id, dedup_key)
    );
    CREATE INDEX IF NOT EXISTS idx_notifications_user_sent ON notifications (user_id, sent_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const notificationColumns = `id, user_id, type, priority, title, body, data, source_user_id, revision, dedup_key, channels, sent_at, delivered_at, read_at`

// Insert stores n. When a row with the same user and dedup key exists, that
// row is returned and created is false.
func (s *NotificationStore) Insert(ctx context.Context, n schema.Notification) (schema.Notification, bool, error) {
	dataJSON, err := json.Marshal(n.Data)
	if err != nil {
		return schema.Notification{}, false, fmt.Errorf("encode notification data: %w", err)
	}
	channelsJSON, err := json.Marshal(n.Channels)
	if err != nil {
		return schema.Notification{}, false, fmt.Errorf("encode notification channels: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO notifications (`+notificationColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (user_id, dedup_key) DO NOTHING`,
		n.ID, n.UserID, string(n.Type), string(n.Priority), n.Title, n.Body, string(dataJSON),
		n.SourceUserID, n.Revision, n.DedupKey, string(channelsJSON), formatTime(n.SentAt),
		formatNullTime(n.DeliveredAt), formatNullTime(n.ReadAt),
	)
	if err != nil {
		return schema.Notification{}, false, fmt.Errorf("failed to insert notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return schema.Notification{}, false, err
	}
	if affected == 1 {
		return n, true, nil
	}

	existing, err := s.queryOne(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE user_id = ? AND dedup_key = ?`, n.UserID, n.DedupKey)
	if err != nil {
		return schema.Notification{}, false, err
	}
	return existing, false, nil
}

func (s *NotificationStore) Get(ctx context.Context, id string) (schema.Notification, error) {
	return s.queryOne(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
}

// List returns the newest notifications of userID first.
func (s *NotificationStore) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]schema.Notification, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY sent_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []schema.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead sets read_at once. Later calls leave the first timestamp.
func (s *NotificationStore) MarkRead(ctx context.Context, userID, id string, at time.Time) (schema.Notification, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read_at = COALESCE(read_at, ?) WHERE id = ? AND user_id = ?`,
		formatTime(at), id, userID)
	if err != nil {
		return schema.Notification{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.Notification{}, sdk.NotFound("notification", id)
	}
	return s.Get(ctx, id)
}

func (s *NotificationStore) MarkAllRead(ctx context.Context, userID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read_at = ? WHERE user_id = ? AND read_at IS NULL`,
		formatTime(at), userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MarkDelivered sets delivered_at once.
func (s *NotificationStore) MarkDelivered(ctx context.Context, id string, at time.Time) (schema.Notification, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET delivered_at = COALESCE(delivered_at, ?) WHERE id = ?`,
		formatTime(at), id)
	if err != nil {
		return schema.Notification{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.Notification{}, sdk.NotFound("notification", id)
	}
	return s.Get(ctx, id)
}

func (s *NotificationStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read_at IS NULL`, userID).Scan(&n)
	return n, err
}

func (s *NotificationStore) queryOne(ctx context.Context, query string, args ...any) (schema.Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Notification{}, sdk.NotFound("notification", fmt.Sprint(args[len(args)-1]))
	}
	return n, err
}

func scanNotification(row scanner) (schema.Notification, error) {
	var (
		n            schema.Notification
		typ          string
		priority     string
		dataJSON     sql.NullString
		channelsJSON sql.NullString
		sentAt       string
		deliveredAt  sql.NullString
		readAt       sql.NullString
	)
	err := row.Scan(&n.ID, &n.UserID, &typ, &priority, &n.Title, &n.Body, &dataJSON,
		&n.SourceUserID, &n.Revision, &n.DedupKey, &channelsJSON, &sentAt, &deliveredAt, &readAt)
	if err != nil {
		return schema.Notification{}, err
	}
	n.Type = schema.NotificationType(typ)
	n.Priority = schema.Priority(priority)
	if dataJSON.Valid && dataJSON.String != "" && dataJSON.String != "null" {
		_ = json.Unmarshal([]byte(dataJSON.String), &n.Data)
	}
	if channelsJSON.Valid && channelsJSON.String != "" && channelsJSON.String != "null" {
		_ = json.Unmarshal([]byte(channelsJSON.String), &n.Channels)
	}
	n.SentAt = parseTime(sentAt)
	n.DeliveredAt = parseNullTime(deliveredAt)
	n.ReadAt = parseNullTime(readAt)
	return n, nil
}
