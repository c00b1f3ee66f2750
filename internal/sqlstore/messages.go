package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/celerix-dev/celerix-beacon/internal/vault"
	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

// MessageStore persists friend messages. Content is sealed when a Sealer is
// configured.
type MessageStore struct {
	db     *sql.DB
	sealer *vault.Sealer
}

func NewMessageStore(db *sql.DB, sealer *vault.Sealer) (*MessageStore, error) {
	s := &MessageStore{db: db, sealer: sealer}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MessageStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY,
        sender_id TEXT NOT NULL,
        recipient_id TEXT NOT NULL,
        message_type TEXT NOT NULL,
        content TEXT NOT NULL,
        sent_at DATETIME NOT NULL,
        read_at DATETIME
    );
    CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender_id, recipient_id, sent_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *MessageStore) Insert(ctx context.Context, m schema.Message) error {
	content, err := s.sealer.Seal(m.Content)
	if err != nil {
		return fmt.Errorf("seal message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender_id, recipient_id, message_type, content, sent_at, read_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SenderID, m.RecipientID, string(m.MessageType), content, formatTime(m.SentAt), formatNullTime(m.ReadAt))
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *MessageStore) Get(ctx context.Context, id string) (schema.Message, error) {
	m, err := s.scan(s.db.QueryRowContext(ctx,
		`SELECT id, sender_id, recipient_id, message_type, content, sent_at, read_at FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Message{}, sdk.NotFound("message", id)
	}
	return m, err
}

// MarkRead sets read_at once; only the recipient may mark a message.
func (s *MessageStore) MarkRead(ctx context.Context, recipientID, id string, at time.Time) (schema.Message, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read_at = COALESCE(read_at, ?) WHERE id = ? AND recipient_id = ?`,
		formatTime(at), id, recipientID)
	if err != nil {
		return schema.Message{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.Message{}, sdk.NotFound("message", id)
	}
	return s.Get(ctx, id)
}

// Conversation returns the latest limit messages between a and b, oldest first.
func (s *MessageStore) Conversation(ctx context.Context, a, b string, limit int) ([]schema.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, sender_id, recipient_id, message_type, content, sent_at, read_at
        FROM messages
        WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
        ORDER BY sent_at DESC, id DESC
        LIMIT ?`, a, b, b, a, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []schema.Message
	for rows.Next() {
		m, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (s *MessageStore) scan(row scanner) (schema.Message, error) {
	var (
		m       schema.Message
		typ     string
		content string
		sentAt  string
		readAt  sql.NullString
	)
	if err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &typ, &content, &sentAt, &readAt); err != nil {
		return schema.Message{}, err
	}
	plain, err := s.sealer.Open(content)
	if err != nil {
		return schema.Message{}, fmt.Errorf("open message: %w", err)
	}
	m.MessageType = schema.MessageType(typ)
	m.Content = plain
	m.SentAt = parseTime(sentAt)
	m.ReadAt = parseNullTime(readAt)
	return m, nil
}
