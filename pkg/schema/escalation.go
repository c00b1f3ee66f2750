package schema

import "time"

// RunState is the position of an escalation run in its lifecycle.
type RunState string

const (
	RunGrace        RunState = "grace"
	RunArmed        RunState = "armed"
	RunWaitingAck   RunState = "waiting_ack"
	RunAdvancing    RunState = "advancing"
	RunCompleted    RunState = "completed"
	RunAcknowledged RunState = "acknowledged"
	RunSuperseded   RunState = "superseded"
)

// Terminal reports whether no further transition can happen.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunAcknowledged, RunSuperseded:
		return true
	}
	return false
}

// StepOutcome records how a step execution ended.
type StepOutcome string

const (
	StepSucceeded StepOutcome = "succeeded"
	StepFailed    StepOutcome = "failed"
)

// StepResult is appended to a run each time a step finishes executing.
type StepResult struct {
	Order      int         `json:"order"`
	Action     StepAction  `json:"action"`
	Outcome    StepOutcome `json:"outcome"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// EscalationRun is the durable state of one escalation, keyed by the user and
// the status revision that triggered it. Steps and contacts are snapshots of
// the protocol taken when the run started.
type EscalationRun struct {
	ID                string             `json:"id"`
	UserID            string             `json:"user_id"`
	Revision          int64              `json:"revision"`
	Status            Status             `json:"status"`
	ProtocolID        string             `json:"protocol_id"`
	Steps             []CrisisStep       `json:"steps"`
	EmergencyContacts []EmergencyContact `json:"emergency_contacts,omitempty"`
	StepIndex         int                `json:"step_index"`
	State             RunState           `json:"state"`
	Generation        uint64             `json:"generation"`
	Deadline          *time.Time         `json:"deadline,omitempty"`
	StepResults       []StepResult       `json:"step_results,omitempty"`
	AcknowledgedBy    string             `json:"acknowledged_by,omitempty"`
	StartedAt         time.Time          `json:"started_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	EndedAt           *time.Time         `json:"ended_at,omitempty"`
}

// CurrentStep returns the step at StepIndex, if any.
func (r EscalationRun) CurrentStep() (CrisisStep, bool) {
	if r.StepIndex < 0 || r.StepIndex >= len(r.Steps) {
		return CrisisStep{}, false
	}
	return r.Steps[r.StepIndex], true
}

// AllStepsFailed reports whether at least one step ran and none succeeded.
func (r EscalationRun) AllStepsFailed() bool {
	if len(r.StepResults) == 0 {
		return false
	}
	for _, res := range r.StepResults {
		if res.Outcome == StepSucceeded {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r EscalationRun) Clone() EscalationRun {
	c := r
	c.Steps = append([]CrisisStep(nil), r.Steps...)
	c.EmergencyContacts = append([]EmergencyContact(nil), r.EmergencyContacts...)
	c.StepResults = append([]StepResult(nil), r.StepResults...)
	if r.Deadline != nil {
		d := *r.Deadline
		c.Deadline = &d
	}
	if r.EndedAt != nil {
		e := *r.EndedAt
		c.EndedAt = &e
	}
	return c
}
