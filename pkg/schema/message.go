package schema

import "time"

// MessageType distinguishes templated responses from free text.
type MessageType string

const (
	MessageYellowPremade MessageType = "yellow_premade"
	MessageRedPremade    MessageType = "red_premade"
	MessageCustom        MessageType = "custom"
)

// Message is a response sent from one friend to another.
type Message struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"sender_id"`
	RecipientID string      `json:"recipient_id"`
	MessageType MessageType `json:"message_type"`
	Content     string      `json:"content"`
	SentAt      time.Time   `json:"sent_at"`
	ReadAt      *time.Time  `json:"read_at,omitempty"`
}

// PremadeMessage is a templated response offered for yellow or red statuses.
type PremadeMessage struct {
	ID       string `json:"id" yaml:"id" validate:"required"`
	Type     Status `json:"type" yaml:"type" validate:"oneof=yellow red"`
	Content  string `json:"content" yaml:"content" validate:"required"`
	Category string `json:"category" yaml:"category"`
}
