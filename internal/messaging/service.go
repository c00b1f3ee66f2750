// Package messaging lets friends answer a status with templated or custom
// messages.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/celerix-dev/celerix-beacon/internal/clock"
	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

// MaxContentLength bounds custom message bodies, in runes.
const MaxContentLength = 1000

// Templates serves the premade message catalog.
type Templates interface {
	Premade(status schema.Status) []schema.PremadeMessage
	PremadeByID(id string) (schema.PremadeMessage, bool)
}

// Publisher announces a stored message to its recipient.
type Publisher interface {
	PublishMessage(ctx context.Context, m schema.Message) error
}

// SendRequest is one message to send. Premade messages name a TemplateID;
// custom ones carry Content.
type SendRequest struct {
	SenderID    string             `json:"-"`
	RecipientID string             `json:"recipient_id"`
	MessageType schema.MessageType `json:"message_type"`
	Content     string             `json:"content,omitempty"`
	TemplateID  string             `json:"template_id,omitempty"`
}

type Service struct {
	store     Store
	friends   sdk.FriendshipReader
	templates Templates
	pub       Publisher
	clock     clock.Clock
	log       *slog.Logger
}

func NewService(store Store, friends sdk.FriendshipReader, templates Templates, pub Publisher, clk clock.Clock, log *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, friends: friends, templates: templates, pub: pub, clock: clk, log: log.With("component", "messaging")}
}

// Send stores a message between accepted friends and notifies the recipient.
func (s *Service) Send(ctx context.Context, req SendRequest) (schema.Message, error) {
	if req.RecipientID == "" {
		return schema.Message{}, sdk.Invalid("recipient_id", "is required")
	}
	if req.RecipientID == req.SenderID {
		return schema.Message{}, sdk.Invalid("recipient_id", "cannot message yourself")
	}

	content, err := s.resolveContent(req)
	if err != nil {
		return schema.Message{}, err
	}

	ok, err := sdk.AreFriends(ctx, s.friends, req.SenderID, req.RecipientID)
	if err != nil {
		return schema.Message{}, err
	}
	if !ok {
		return schema.Message{}, fmt.Errorf("%w: only accepted friends can exchange messages", sdk.ErrNotPermitted)
	}

	m := schema.Message{
		ID:          uuid.NewString(),
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		MessageType: req.MessageType,
		Content:     content,
		SentAt:      s.clock.Now(),
	}
	if err := s.store.Insert(ctx, m); err != nil {
		return schema.Message{}, fmt.Errorf("store message: %w", err)
	}
	if s.pub != nil {
		if err := s.pub.PublishMessage(ctx, m); err != nil {
			s.log.Warn("publish message event", "message_id", m.ID, "error", err)
		}
	}
	return m, nil
}

func (s *Service) resolveContent(req SendRequest) (string, error) {
	switch req.MessageType {
	case schema.MessageCustom:
		content := strings.TrimSpace(req.Content)
		if content == "" {
			return "", sdk.Invalid("content", "is required")
		}
		if n := utf8.RuneCountInString(content); n > MaxContentLength {
			return "", sdk.Invalid("content", "is %d characters, limit is %d", n, MaxContentLength)
		}
		return content, nil
	case schema.MessageYellowPremade, schema.MessageRedPremade:
		if req.TemplateID == "" {
			return "", sdk.Invalid("template_id", "is required for premade messages")
		}
		tmpl, ok := s.templates.PremadeByID(req.TemplateID)
		if !ok {
			return "", sdk.NotFound("template", req.TemplateID)
		}
		want := schema.StatusYellow
		if req.MessageType == schema.MessageRedPremade {
			want = schema.StatusRed
		}
		if tmpl.Type != want {
			return "", sdk.Invalid("template_id", "template %s is for %s statuses", tmpl.ID, tmpl.Type)
		}
		return tmpl.Content, nil
	default:
		return "", sdk.Invalid("message_type", "must be yellow_premade, red_premade or custom")
	}
}

// MarkRead marks a received message read. Repeating it is a no-op.
func (s *Service) MarkRead(ctx context.Context, recipientID, id string) (schema.Message, error) {
	return s.store.MarkRead(ctx, recipientID, id, s.clock.Now())
}

// Conversation returns the latest messages between userID and otherID.
func (s *Service) Conversation(ctx context.Context, userID, otherID string, limit int) ([]schema.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.Conversation(ctx, userID, otherID, limit)
}

// Templates lists premade messages, optionally for one status.
func (s *Service) Templates(status schema.Status) []schema.PremadeMessage {
	return s.templates.Premade(status)
}
