package notify

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

// Store persists notifications. Insert is idempotent on (UserID, DedupKey):
// when the pair exists the stored row is returned with created false.
type Store interface {
	Insert(ctx context.Context, n schema.Notification) (schema.Notification, bool, error)
	Get(ctx context.Context, id string) (schema.Notification, error)
	List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]schema.Notification, error)
	MarkRead(ctx context.Context, userID, id string, at time.Time) (schema.Notification, error)
	MarkAllRead(ctx context.Context, userID string, at time.Time) (int, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) (schema.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]schema.Notification
	dedup map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]schema.Notification), dedup: make(map[string]string)}
}

func dedupIndex(userID, key string) string { return userID + "\x00" + key }

func (s *MemoryStore) Insert(_ context.Context, n schema.Notification) (schema.Notification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := dedupIndex(n.UserID, n.DedupKey)
	if id, ok := s.dedup[k]; ok {
		return s.byID[id], false, nil
	}
	s.byID[n.ID] = n
	s.dedup[k] = n.ID
	return n, true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (schema.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byID[id]
	if !ok {
		return schema.Notification{}, sdk.NotFound("notification", id)
	}
	return n, nil
}

func (s *MemoryStore) List(_ context.Context, userID string, unreadOnly bool, limit int) ([]schema.Notification, error) {
	s.mu.RLock()
	var out []schema.Notification
	for _, n := range s.byID {
		if n.UserID != userID || (unreadOnly && n.Read()) {
			continue
		}
		out = append(out, n)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b schema.Notification) int {
		if c := b.SentAt.Compare(a.SentAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, userID, id string, at time.Time) (schema.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byID[id]
	if !ok || n.UserID != userID {
		return schema.Notification{}, sdk.NotFound("notification", id)
	}
	if n.ReadAt == nil {
		n.ReadAt = &at
		s.byID[id] = n
	}
	return n, nil
}

func (s *MemoryStore) MarkAllRead(_ context.Context, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, n := range s.byID {
		if n.UserID == userID && n.ReadAt == nil {
			n.ReadAt = &at
			s.byID[id] = n
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, id string, at time.Time) (schema.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byID[id]
	if !ok {
		return schema.Notification{}, sdk.NotFound("notification", id)
	}
	if n.DeliveredAt == nil {
		n.DeliveredAt = &at
		s.byID[id] = n
	}
	return n, nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.byID {
		if n.UserID == userID && !n.Read() {
			count++
		}
	}
	return count, nil
}
