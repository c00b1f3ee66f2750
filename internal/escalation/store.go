package escalation

import (
	"context"
	"sort"
	"sync"

	"github.com/celerix-dev/celerix-beacon/pkg/schema"
)

// RunStore persists escalation runs. Put overwrites the run stored for the
// same (UserID, Revision).
type RunStore interface {
	Put(ctx context.Context, run schema.EscalationRun) error
	Get(ctx context.Context, userID string, revision int64) (schema.EscalationRun, bool, error)
	// Latest returns the run with the highest revision for userID.
	Latest(ctx context.Context, userID string) (schema.EscalationRun, bool, error)
	// Live returns every run that has not reached a terminal state.
	Live(ctx context.Context) ([]schema.EscalationRun, error)
	Close() error
}

type runKey struct {
	userID   string
	revision int64
}

// MemoryStore keeps runs in memory. Terminal runs are never expired.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[runKey]schema.EscalationRun
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[runKey]schema.EscalationRun)}
}

func (s *MemoryStore) Put(_ context.Context, run schema.EscalationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runKey{run.UserID, run.Revision}] = run.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID string, revision int64) (schema.EscalationRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runKey{userID, revision}]
	if !ok {
		return schema.EscalationRun{}, false, nil
	}
	return run.Clone(), true, nil
}

func (s *MemoryStore) Latest(_ context.Context, userID string) (schema.EscalationRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest schema.EscalationRun
		found  bool
	)
	for k, run := range s.runs {
		if k.userID == userID && (!found || k.revision > latest.Revision) {
			latest, found = run, true
		}
	}
	if !found {
		return schema.EscalationRun{}, false, nil
	}
	return latest.Clone(), true, nil
}

func (s *MemoryStore) Live(_ context.Context) ([]schema.EscalationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.EscalationRun
	for _, run := range s.runs {
		if !run.State.Terminal() {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Revision < out[j].Revision
	})
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
