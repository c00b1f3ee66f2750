package schema

import "time"

// NotificationType classifies a notification.
type NotificationType string

const (
	NotificationStatusUpdate  NotificationType = "status_update"
	NotificationFriendRequest NotificationType = "friend_request"
	NotificationMessage       NotificationType = "message"
	NotificationSystem        NotificationType = "system"
)

// Priority of a notification. High priority bypasses quiet hours.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Channel is an external delivery channel.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelCall  Channel = "call"
)

// Notification is a persisted, per-recipient notification. Only DeliveredAt
// and ReadAt change after creation.
type Notification struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	Type         NotificationType `json:"type"`
	Priority     Priority         `json:"priority"`
	Title        string           `json:"title"`
	Body         string           `json:"body"`
	Data         map[string]any   `json:"data,omitempty"`
	SourceUserID string           `json:"source_user_id,omitempty"`
	Revision     int64            `json:"revision,omitempty"`
	DedupKey     string           `json:"dedup_key"`
	Channels     []Channel        `json:"channels,omitempty"`
	SentAt       time.Time        `json:"sent_at"`
	DeliveredAt  *time.Time       `json:"delivered_at,omitempty"`
	ReadAt       *time.Time       `json:"read_at,omitempty"`
}

// Read reports whether the notification has been read.
func (n Notification) Read() bool {
	return n.ReadAt != nil
}
