package sdk

import (
	"context"

	"github.com/celerix-dev/celerix-beacon/pkg/schema"
)

// --- Functional Interfaces (Interface Segregation) ---

// UserReader looks up users by identity.
type UserReader interface {
	GetUser(ctx context.Context, userID string) (schema.User, error)
}

// FriendshipReader lists a user's friendships. An empty state matches all.
type FriendshipReader interface {
	GetFriendships(ctx context.Context, userID string, state schema.FriendshipState) ([]schema.Friendship, error)
}

// SettingsReader returns a user's settings, or defaults if none were saved.
type SettingsReader interface {
	GetSettings(ctx context.Context, userID string) (schema.UserSettings, error)
}

// UserWriter creates or updates user profiles and settings.
type UserWriter interface {
	PutUser(ctx context.Context, user schema.User) (schema.User, error)
	PutSettings(ctx context.Context, settings schema.UserSettings) (schema.UserSettings, error)
}

// FriendshipWriter drives the friendship lifecycle.
type FriendshipWriter interface {
	RequestFriendship(ctx context.Context, requesterID, recipientID string) (schema.Friendship, error)
	RespondFriendship(ctx context.Context, friendshipID, actorID string, accept bool) (schema.Friendship, error)
	RemoveFriendship(ctx context.Context, friendshipID, actorID string) error
	GetFriendship(ctx context.Context, friendshipID string) (schema.Friendship, error)
}

// ChangeKind names a directory mutation.
type ChangeKind string

const (
	ChangeUser               ChangeKind = "user"
	ChangeSettings           ChangeKind = "settings"
	ChangeFriendshipRequest  ChangeKind = "friendship_requested"
	ChangeFriendshipAccepted ChangeKind = "friendship_accepted"
	ChangeFriendshipDenied   ChangeKind = "friendship_denied"
	ChangeFriendshipRemoved  ChangeKind = "friendship_removed"
)

// Change describes one directory mutation delivered to watchers.
type Change struct {
	Kind       ChangeKind
	UserID     string
	Friendship *schema.Friendship
}

// Watcher allows subscribing to directory changes. The returned function
// cancels the subscription.
type Watcher interface {
	Watch(fn func(Change)) (cancel func())
}

// --- Composite Interfaces ---

// Directory is the complete user, friendship and settings store.
type Directory interface {
	UserReader
	FriendshipReader
	SettingsReader
	UserWriter
	FriendshipWriter
	Watcher
}

// AcceptedFriendIDs returns the IDs of userID's accepted friends.
func AcceptedFriendIDs(ctx context.Context, r FriendshipReader, userID string) ([]string, error) {
	friendships, err := r.GetFriendships(ctx, userID, schema.FriendshipAccepted)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(friendships))
	for _, f := range friendships {
		ids = append(ids, f.Other(userID))
	}
	return ids, nil
}

// AreFriends reports whether a and b share an accepted friendship.
func AreFriends(ctx context.Context, r FriendshipReader, a, b string) (bool, error) {
	ids, err := AcceptedFriendIDs(ctx, r, a)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == b {
			return true, nil
		}
	}
	return false, nil
}
