package schema

import (
	"encoding/json"
	"strconv"
	"time"
)

// EventType classifies a realtime event.
type EventType string

const (
	EventStatusUpdate  EventType = "status_update"
	EventFriendRequest EventType = "friend_request"
	EventMessage       EventType = "message"
	EventNotification  EventType = "notification"
	EventFriendOnline  EventType = "friend_online"
)

// RealtimeEvent is the envelope carried by the realtime channel. UserID is
// the recipient. Consumers de-duplicate on (SourceUserID, Revision) for
// status updates and on ID otherwise.
type RealtimeEvent struct {
	ID           string          `json:"id"`
	Type         EventType       `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    time.Time       `json:"timestamp"`
	UserID       string          `json:"user_id"`
	SourceUserID string          `json:"source_user_id,omitempty"`
	Revision     int64           `json:"revision,omitempty"`
}

// DedupKey returns the key consumers use to discard redelivered events.
func (e RealtimeEvent) DedupKey() string {
	if e.Type == EventStatusUpdate && e.SourceUserID != "" && e.Revision > 0 {
		return "status:" + e.SourceUserID + ":" + strconv.FormatInt(e.Revision, 10)
	}
	return string(e.Type) + ":" + e.ID
}

// Decode unmarshals the payload into v.
func (e RealtimeEvent) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// StatusPayload is the payload of a status_update event.
type StatusPayload struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Revision    int64     `json:"revision"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FriendRequestPayload is the payload of a friend_request event. State tells
// the recipient whether this is a new request or the answer to theirs.
type FriendRequestPayload struct {
	FriendshipID string          `json:"friendship_id"`
	FromUserID   string          `json:"from_user_id"`
	FromName     string          `json:"from_name"`
	State        FriendshipState `json:"state"`
}

// MessagePayload is the payload of a message event.
type MessagePayload struct {
	MessageID   string      `json:"message_id"`
	SenderID    string      `json:"sender_id"`
	SenderName  string      `json:"sender_name"`
	MessageType MessageType `json:"message_type"`
	Content     string      `json:"content"`
}

// NewEvent builds an event with a JSON payload.
func NewEvent(typ EventType, recipientID string, payload any) (RealtimeEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return RealtimeEvent{}, err
	}
	return RealtimeEvent{Type: typ, UserID: recipientID, Payload: raw}, nil
}
