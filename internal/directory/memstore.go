package directory

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
	"github.com/google/uuid"
)

// MemStore is the thread-safe directory. Every mutation is applied in memory
// and the affected collection is persisted in the background.
type MemStore struct {
	mu          sync.RWMutex
	users       map[string]schema.User
	friendships map[string]schema.Friendship
	settings    map[string]schema.UserSettings
	seq         uint64

	watchMu  sync.Mutex
	watchers map[uint64]func(sdk.Change)
	nextID   uint64

	persister *Persistence
	wg        sync.WaitGroup
	now       func() time.Time
	log       *slog.Logger
}

var _ sdk.Directory = (*MemStore)(nil)

// NewMemStore initializes a store from an existing snapshot (from LoadAll)
// and an optional persister.
func NewMemStore(snap Snapshot, p *Persistence) *MemStore {
	m := &MemStore{
		users:       make(map[string]schema.User, len(snap.Users)),
		friendships: make(map[string]schema.Friendship, len(snap.Friendships)),
		settings:    make(map[string]schema.UserSettings, len(snap.Settings)),
		watchers:    make(map[uint64]func(sdk.Change)),
		persister:   p,
		now:         func() time.Time { return time.Now().UTC() },
		log:         slog.Default().With("component", "directory"),
	}
	for _, u := range snap.Users {
		m.users[u.ID] = u
	}
	for _, f := range snap.Friendships {
		m.friendships[f.ID] = f
	}
	for _, s := range snap.Settings {
		m.settings[s.UserID] = s
	}
	return m
}

// Open loads the directory from dataDir and returns a persisting store.
func Open(dataDir string) (*MemStore, error) {
	p, err := NewPersistence(dataDir)
	if err != nil {
		return nil, err
	}
	snap, err := p.LoadAll()
	if err != nil {
		return nil, err
	}
	return NewMemStore(snap, p), nil
}

// Wait waits for all background persistence tasks to complete.
func (m *MemStore) Wait() {
	m.wg.Wait()
}

// --- Users ---

func (m *MemStore) GetUser(_ context.Context, userID string) (schema.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return schema.User{}, sdk.NotFound("user", userID)
	}
	return u, nil
}

func (m *MemStore) PutUser(_ context.Context, user schema.User) (schema.User, error) {
	user.ID = strings.TrimSpace(user.ID)
	user.Username = strings.TrimSpace(user.Username)
	if user.ID == "" {
		return schema.User{}, sdk.Invalid("id", "is required")
	}
	if user.Username == "" {
		return schema.User{}, sdk.Invalid("username", "is required")
	}

	m.mu.Lock()
	now := m.now()
	if existing, ok := m.users[user.ID]; ok {
		user.CreatedAt = existing.CreatedAt
	} else {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	m.users[user.ID] = user
	m.persistLocked(usersFile)
	m.mu.Unlock()

	m.emit(sdk.Change{Kind: sdk.ChangeUser, UserID: user.ID})
	return user, nil
}

// --- Settings ---

func (m *MemStore) GetSettings(_ context.Context, userID string) (schema.UserSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.users[userID]; !ok {
		return schema.UserSettings{}, sdk.NotFound("user", userID)
	}
	if s, ok := m.settings[userID]; ok {
		return s, nil
	}
	return schema.DefaultSettings(userID), nil
}

func (m *MemStore) PutSettings(_ context.Context, settings schema.UserSettings) (schema.UserSettings, error) {
	if err := validateSettings(settings); err != nil {
		return schema.UserSettings{}, err
	}

	m.mu.Lock()
	if _, ok := m.users[settings.UserID]; !ok {
		m.mu.Unlock()
		return schema.UserSettings{}, sdk.NotFound("user", settings.UserID)
	}
	if settings.Timezone == "" {
		settings.Timezone = "UTC"
	}
	settings.UpdatedAt = m.now()
	m.settings[settings.UserID] = settings
	m.persistLocked(settingsFile)
	m.mu.Unlock()

	m.emit(sdk.Change{Kind: sdk.ChangeSettings, UserID: settings.UserID})
	return settings, nil
}

func validateSettings(s schema.UserSettings) error {
	for field, v := range map[string]schema.Visibility{
		"status_visibility":  s.Privacy.StatusVisibility,
		"profile_visibility": s.Privacy.ProfileVisibility,
	} {
		switch v {
		case schema.VisibilityFriends, schema.VisibilityPublic, schema.VisibilityPrivate:
		default:
			return sdk.Invalid(field, "must be friends, public or private")
		}
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return sdk.Invalid("timezone", "unknown zone %q", s.Timezone)
		}
	}
	qh := s.Notifications.QuietHours
	if qh.Enabled {
		if _, err := schema.ParseClock(qh.Start); err != nil {
			return sdk.Invalid("quiet_hours.start_time", "must be HH:mm")
		}
		if _, err := schema.ParseClock(qh.End); err != nil {
			return sdk.Invalid("quiet_hours.end_time", "must be HH:mm")
		}
	}
	return nil
}

// --- Friendships ---

func (m *MemStore) GetFriendship(_ context.Context, friendshipID string) (schema.Friendship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.friendships[friendshipID]
	if !ok {
		return schema.Friendship{}, sdk.NotFound("friendship", friendshipID)
	}
	return f, nil
}

func (m *MemStore) GetFriendships(_ context.Context, userID string, state schema.FriendshipState) ([]schema.Friendship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.users[userID]; !ok {
		return nil, sdk.NotFound("user", userID)
	}

	var list []schema.Friendship
	for _, f := range m.friendships {
		if !f.Involves(userID) {
			continue
		}
		if state != "" && f.State != state {
			continue
		}
		list = append(list, f)
	}
	slices.SortFunc(list, func(a, b schema.Friendship) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list, nil
}

// RequestFriendship creates a pending friendship. A previously denied
// request between the same pair does not block a new one.
func (m *MemStore) RequestFriendship(_ context.Context, requesterID, recipientID string) (schema.Friendship, error) {
	if requesterID == "" || recipientID == "" {
		return schema.Friendship{}, sdk.Invalid("recipient_id", "is required")
	}
	if requesterID == recipientID {
		return schema.Friendship{}, sdk.Invalid("recipient_id", "cannot befriend yourself")
	}

	m.mu.Lock()
	for _, id := range []string{requesterID, recipientID} {
		if _, ok := m.users[id]; !ok {
			m.mu.Unlock()
			return schema.Friendship{}, sdk.NotFound("user", id)
		}
	}
	if s, ok := m.settings[recipientID]; ok && !s.Privacy.AllowFriendRequests {
		m.mu.Unlock()
		return schema.Friendship{}, fmt.Errorf("%w: %s does not accept friend requests", sdk.ErrNotPermitted, recipientID)
	}
	pair := schema.PairKey(requesterID, recipientID)
	for _, f := range m.friendships {
		if f.State != schema.FriendshipDenied && schema.PairKey(f.RequesterID, f.RecipientID) == pair {
			m.mu.Unlock()
			return schema.Friendship{}, fmt.Errorf("%w: friendship %s is already %s", sdk.ErrConflict, f.ID, f.State)
		}
	}

	now := m.now()
	f := schema.Friendship{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		RecipientID: recipientID,
		State:       schema.FriendshipPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.friendships[f.ID] = f
	m.persistLocked(friendshipsFile)
	m.mu.Unlock()

	m.emit(sdk.Change{Kind: sdk.ChangeFriendshipRequest, UserID: recipientID, Friendship: &f})
	return f, nil
}

// RespondFriendship accepts or denies a pending request. Only the recipient
// may respond.
func (m *MemStore) RespondFriendship(_ context.Context, friendshipID, actorID string, accept bool) (schema.Friendship, error) {
	m.mu.Lock()
	f, ok := m.friendships[friendshipID]
	if !ok {
		m.mu.Unlock()
		return schema.Friendship{}, sdk.NotFound("friendship", friendshipID)
	}
	if f.RecipientID != actorID {
		m.mu.Unlock()
		return schema.Friendship{}, fmt.Errorf("%w: only the recipient may respond", sdk.ErrNotPermitted)
	}
	if f.State != schema.FriendshipPending {
		m.mu.Unlock()
		return schema.Friendship{}, fmt.Errorf("%w: friendship is %s", sdk.ErrConflict, f.State)
	}

	kind := sdk.ChangeFriendshipDenied
	f.State = schema.FriendshipDenied
	if accept {
		kind = sdk.ChangeFriendshipAccepted
		f.State = schema.FriendshipAccepted
	}
	f.UpdatedAt = m.now()
	m.friendships[f.ID] = f
	m.persistLocked(friendshipsFile)
	m.mu.Unlock()

	m.emit(sdk.Change{Kind: kind, UserID: f.RequesterID, Friendship: &f})
	return f, nil
}

// RemoveFriendship deletes a friendship. Either party may remove it; for a
// pending request this cancels it.
func (m *MemStore) RemoveFriendship(_ context.Context, friendshipID, actorID string) error {
	m.mu.Lock()
	f, ok := m.friendships[friendshipID]
	if !ok {
		m.mu.Unlock()
		return sdk.NotFound("friendship", friendshipID)
	}
	if !f.Involves(actorID) {
		m.mu.Unlock()
		return fmt.Errorf("%w: not a party to this friendship", sdk.ErrNotPermitted)
	}
	delete(m.friendships, friendshipID)
	m.persistLocked(friendshipsFile)
	m.mu.Unlock()

	m.emit(sdk.Change{Kind: sdk.ChangeFriendshipRemoved, UserID: f.Other(actorID), Friendship: &f})
	return nil
}

// --- Change subscription ---

// Watch registers fn for every subsequent change. Callbacks run synchronously
// on the mutating goroutine, after the store lock is released.
func (m *MemStore) Watch(fn func(sdk.Change)) func() {
	m.watchMu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.watchMu.Unlock()

	return func() {
		m.watchMu.Lock()
		delete(m.watchers, id)
		m.watchMu.Unlock()
	}
}

func (m *MemStore) emit(c sdk.Change) {
	m.watchMu.Lock()
	fns := make([]func(sdk.Change), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.watchMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Snapshot returns a copy of the full directory state.
func (m *MemStore) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Users:       m.copyUsers(),
		Friendships: m.copyFriendships(),
		Settings:    m.copySettings(),
	}
}

// persistLocked copies one collection and saves it in the background.
// It MUST be called while holding m.mu.Lock.
func (m *MemStore) persistLocked(name string) {
	if m.persister == nil {
		return
	}
	m.seq++
	seq := m.seq

	var data any
	switch name {
	case usersFile:
		data = m.copyUsers()
	case friendshipsFile:
		data = m.copyFriendships()
	case settingsFile:
		data = m.copySettings()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.persister.Save(name, seq, data); err != nil {
			m.log.Error("persist directory collection", "file", name, "error", err)
		}
	}()
}

func (m *MemStore) copyUsers() []schema.User {
	out := make([]schema.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b schema.User) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (m *MemStore) copyFriendships() []schema.Friendship {
	out := make([]schema.Friendship, 0, len(m.friendships))
	for _, f := range m.friendships {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b schema.Friendship) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (m *MemStore) copySettings() []schema.UserSettings {
	out := make([]schema.UserSettings, 0, len(m.settings))
	for _, s := range m.settings {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b schema.UserSettings) int { return cmp.Compare(a.UserID, b.UserID) })
	return out
}
