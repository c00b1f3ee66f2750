package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

// Store persists status revisions. Append must behave as a compare-and-swap:
// it succeeds only when s.Revision is exactly one past the latest stored
// revision for s.UserID, and returns sdk.ErrConcurrencyConflict otherwise.
type Store interface {
	Append(ctx context.Context, s schema.UserStatus) error
	// Latest returns the newest revision and false when the user has none.
	Latest(ctx context.Context, userID string) (schema.UserStatus, bool, error)
	// History returns up to limit revisions, newest first. limit <= 0 means all.
	History(ctx context.Context, userID string, limit int) ([]schema.UserStatus, error)
}

// MemoryStore keeps every revision in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	history map[string][]schema.UserStatus
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{history: make(map[string][]schema.UserStatus)}
}

func (m *MemoryStore) Append(_ context.Context, s schema.UserStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	revs := m.history[s.UserID]
	var last int64
	if n := len(revs); n > 0 {
		last = revs[n-1].Revision
	}
	if s.Revision != last+1 {
		return fmt.Errorf("%w: user %s is at revision %d, got %d", sdk.ErrConcurrencyConflict, s.UserID, last, s.Revision)
	}
	m.history[s.UserID] = append(revs, s)
	return nil
}

func (m *MemoryStore) Latest(_ context.Context, userID string) (schema.UserStatus, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	revs := m.history[userID]
	if len(revs) == 0 {
		return schema.UserStatus{}, false, nil
	}
	return revs[len(revs)-1], true, nil
}

func (m *MemoryStore) History(_ context.Context, userID string, limit int) ([]schema.UserStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	revs := m.history[userID]
	n := len(revs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]schema.UserStatus, 0, n)
	for i := len(revs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, revs[i])
	}
	return out, nil
}
