// Package schema defines the data structures shared by every beacon component.
package schema

import (
	"slices"
	"time"
)

// User represents a member of the peer-support network.
// The ID is immutable; profile fields may change over time.
type User struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	Email            string    `json:"email"`
	PhoneNumber      string    `json:"phone_number,omitempty"`
	DisplayName      string    `json:"display_name,omitempty"`
	ProfileImageURL  string    `json:"profile_image_url,omitempty"`
	Bio              string    `json:"bio,omitempty"`
	EmergencyContact string    `json:"emergency_contact,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Name returns the display name, falling back to the username.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// FriendshipState is the lifecycle state of a friendship.
type FriendshipState string

const (
	FriendshipPending  FriendshipState = "pending"
	FriendshipAccepted FriendshipState = "accepted"
	FriendshipDenied   FriendshipState = "denied"
)

// Valid reports whether s is a known friendship state.
func (s FriendshipState) Valid() bool {
	switch s {
	case FriendshipPending, FriendshipAccepted, FriendshipDenied:
		return true
	}
	return false
}

// Friendship links two users. The pair is unordered for uniqueness purposes,
// but only the recipient may accept or deny a pending request.
type Friendship struct {
	ID          string          `json:"id"`
	RequesterID string          `json:"requester_id"`
	RecipientID string          `json:"recipient_id"`
	State       FriendshipState `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Involves reports whether userID is either side of the friendship.
func (f Friendship) Involves(userID string) bool {
	return f.RequesterID == userID || f.RecipientID == userID
}

// Other returns the counterpart of userID.
func (f Friendship) Other(userID string) string {
	if f.RequesterID == userID {
		return f.RecipientID
	}
	return f.RequesterID
}

// PairKey returns a key identifying the unordered pair of users.
func PairKey(a, b string) string {
	pair := []string{a, b}
	slices.Sort(pair)
	return pair[0] + "|" + pair[1]
}

// Visibility controls who may see a user's status or profile.
type Visibility string

const (
	VisibilityFriends Visibility = "friends"
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// QuietHours is a daily window, in the user's timezone, during which
// non-urgent notifications are withheld. Start and End use "HH:mm".
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start_time"`
	End     string `json:"end_time"`
}

// NotificationPreferences are the per-user notification toggles.
type NotificationPreferences struct {
	PushEnabled        bool       `json:"push_enabled"`
	EmailEnabled       bool       `json:"email_enabled"`
	SMSEnabled         bool       `json:"sms_enabled"`
	YellowStatusAlerts bool       `json:"yellow_status_alerts"`
	RedStatusAlerts    bool       `json:"red_status_alerts"`
	FriendRequests     bool       `json:"friend_requests"`
	Messages           bool       `json:"messages"`
	SoundEnabled       bool       `json:"sound_enabled"`
	HapticEnabled      bool       `json:"haptic_enabled"`
	QuietHours         QuietHours `json:"quiet_hours"`
}

// PrivacySettings control visibility of a user's data.
type PrivacySettings struct {
	StatusVisibility    Visibility `json:"status_visibility"`
	ProfileVisibility   Visibility `json:"profile_visibility"`
	AllowFriendRequests bool       `json:"allow_friend_requests"`
	ShowOnlineStatus    bool       `json:"show_online_status"`
	ShowLastSeen        bool       `json:"show_last_seen"`
}

// UserSettings groups a user's preferences and privacy settings.
type UserSettings struct {
	UserID        string                  `json:"user_id"`
	Timezone      string                  `json:"timezone,omitempty"`
	Notifications NotificationPreferences `json:"notifications"`
	Privacy       PrivacySettings         `json:"privacy"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// DefaultSettings returns the settings applied to users who never saved any.
func DefaultSettings(userID string) UserSettings {
	return UserSettings{
		UserID:   userID,
		Timezone: "UTC",
		Notifications: NotificationPreferences{
			PushEnabled:        true,
			YellowStatusAlerts: true,
			RedStatusAlerts:    true,
			FriendRequests:     true,
			Messages:           true,
			SoundEnabled:       true,
			HapticEnabled:      true,
			QuietHours:         QuietHours{Start: "22:00", End: "07:00"},
		},
		Privacy: PrivacySettings{
			StatusVisibility:    VisibilityFriends,
			ProfileVisibility:   VisibilityFriends,
			AllowFriendRequests: true,
			ShowOnlineStatus:    true,
			ShowLastSeen:        true,
		},
	}
}

// ParseClock parses an "HH:mm" time of day into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
