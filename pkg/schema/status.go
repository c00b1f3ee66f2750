package schema

import "time"

// Status is the coarse self-reported state of a user.
type Status string

const (
	StatusGreen  Status = "green"
	StatusYellow Status = "yellow"
	StatusRed    Status = "red"
)

// Valid reports whether s is one of green, yellow or red.
func (s Status) Valid() bool {
	switch s {
	case StatusGreen, StatusYellow, StatusRed:
		return true
	}
	return false
}

// UserStatus is one revision of a user's status. Revisions start at 1 and
// increase by exactly one for every update of the same user.
type UserStatus struct {
	UserID    string    `json:"user_id"`
	Revision  int64     `json:"revision"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusChanged is emitted by the ledger after a revision is recorded.
type StatusChanged struct {
	UserID    string    `json:"user_id"`
	Revision  int64     `json:"revision"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event converts a recorded status into its change event.
func (s UserStatus) Event() StatusChanged {
	return StatusChanged{
		UserID:    s.UserID,
		Revision:  s.Revision,
		Status:    s.Status,
		Message:   s.Message,
		Timestamp: s.UpdatedAt,
	}
}
