package schema

import (
	"cmp"
	"slices"
	"time"
)

// StepAction names what a crisis step does when it executes.
type StepAction string

const (
	// ActionCheckIn asks the user directly whether they are safe.
	ActionCheckIn StepAction = "check_in"
	// ActionNotifyFriends sends an urgent alert to every visible friend.
	ActionNotifyFriends StepAction = "notify_friends"
	// ActionContactEmergency reaches the protocol's emergency contacts.
	ActionContactEmergency StepAction = "contact_emergency"
	// ActionAlertOperations raises an alert on the operations channel.
	ActionAlertOperations StepAction = "alert_operations"
)

// CrisisStep is one ordered step of a crisis protocol.
// A zero TimeoutSeconds means the step has no timeout.
type CrisisStep struct {
	Order          int        `json:"order" yaml:"order" validate:"gte=0"`
	Action         StepAction `json:"action" yaml:"action" validate:"required,oneof=check_in notify_friends contact_emergency alert_operations"`
	Description    string     `json:"description" yaml:"description"`
	TimeoutSeconds int        `json:"timeout,omitempty" yaml:"timeout" validate:"gte=0"`
	Required       bool       `json:"required" yaml:"required"`
}

// Timeout returns the step timeout and whether one is configured.
func (s CrisisStep) Timeout() (time.Duration, bool) {
	if s.TimeoutSeconds <= 0 {
		return 0, false
	}
	return time.Duration(s.TimeoutSeconds) * time.Second, true
}

// EmergencyContact is reached as a last resort. Lower Priority values are
// contacted first.
type EmergencyContact struct {
	Name         string `json:"name" yaml:"name" validate:"required"`
	PhoneNumber  string `json:"phone_number" yaml:"phone_number" validate:"required"`
	Relationship string `json:"relationship" yaml:"relationship"`
	Priority     int    `json:"priority" yaml:"priority"`
}

// CrisisProtocol is immutable configuration describing how an unacknowledged
// urgent status escalates.
type CrisisProtocol struct {
	ID                 string             `json:"id" yaml:"id" validate:"required"`
	Name               string             `json:"name" yaml:"name" validate:"required"`
	Description        string             `json:"description" yaml:"description"`
	Steps              []CrisisStep       `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
	EmergencyContacts  []EmergencyContact `json:"emergency_contacts" yaml:"emergency_contacts" validate:"dive"`
	Enabled            bool               `json:"enabled" yaml:"enabled"`
	EscalateYellow     bool               `json:"escalate_yellow" yaml:"escalate_yellow"`
	YellowGraceSeconds int                `json:"yellow_grace" yaml:"yellow_grace" validate:"gte=0"`
}

// OrderedSteps returns a copy of the steps sorted by Order.
func (p CrisisProtocol) OrderedSteps() []CrisisStep {
	steps := slices.Clone(p.Steps)
	slices.SortStableFunc(steps, func(a, b CrisisStep) int { return cmp.Compare(a.Order, b.Order) })
	return steps
}

// OrderedContacts returns a copy of the emergency contacts sorted by Priority.
func (p CrisisProtocol) OrderedContacts() []EmergencyContact {
	contacts := slices.Clone(p.EmergencyContacts)
	slices.SortStableFunc(contacts, func(a, b EmergencyContact) int { return cmp.Compare(a.Priority, b.Priority) })
	return contacts
}

// YellowGrace returns the window a yellow status may stay unacknowledged
// before escalation starts.
func (p CrisisProtocol) YellowGrace() time.Duration {
	return time.Duration(p.YellowGraceSeconds) * time.Second
}
