package messaging

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

// Store persists messages.
type Store interface {
	Insert(ctx context.Context, m schema.Message) error
	Get(ctx context.Context, id string) (schema.Message, error)
	MarkRead(ctx context.Context, recipientID, id string, at time.Time) (schema.Message, error)
	// Conversation returns the latest limit messages between a and b, oldest first.
	Conversation(ctx context.Context, a, b string, limit int) ([]schema.Message, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	msgs map[string]schema.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{msgs: make(map[string]schema.Message)}
}

func (s *MemoryStore) Insert(_ context.Context, m schema.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[m.ID] = m
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (schema.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[id]
	if !ok {
		return schema.Message{}, sdk.NotFound("message", id)
	}
	return m, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, recipientID, id string, at time.Time) (schema.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || m.RecipientID != recipientID {
		return schema.Message{}, sdk.NotFound("message", id)
	}
	if m.ReadAt == nil {
		m.ReadAt = &at
		s.msgs[id] = m
	}
	return m, nil
}

func (s *MemoryStore) Conversation(_ context.Context, a, b string, limit int) ([]schema.Message, error) {
	s.mu.RLock()
	var out []schema.Message
	for _, m := range s.msgs {
		if (m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a) {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(x, y schema.Message) int {
		if c := x.SentAt.Compare(y.SentAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
