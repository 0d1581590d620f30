package domain

import "time"

// ControlMode distinguishes event-triggered from time-triggered control.
type ControlMode int

const (
	ModeOpportunistic ControlMode = iota + 1
	ModeActive
)

func (m ControlMode) String() string {
	switch m {
	case ModeOpportunistic:
		return "opportunistic"
	case ModeActive:
		return "active"
	default:
		return "none"
	}
}

// State is the control state of one agent.
type State int

const (
	StateIdle State = iota
	StateEnteringControl
	StateUnderControl
	StateEndingControl
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnteringControl:
		return "entering_control"
	case StateUnderControl:
		return "under_control"
	case StateEndingControl:
		return "ending_control"
	default:
		return "unknown"
	}
}

// EndReason records why a control session left UnderControl.
type EndReason string

const (
	EndDeadline        EndReason = "deadline"
	EndCriterionClear  EndReason = "criterion_cleared"
	EndCancelled       EndReason = "cancelled"
	EndEntryFailed     EndReason = "entry_failed"
	EndProtocolStopped EndReason = "protocol_stopped"
)

// ControlSession describes the single open control episode of an agent.
type ControlSession struct {
	ID           string
	Mode         ControlMode
	TriggerKind  Kind
	StartedAt    time.Time
	Deadline     time.Time
	Cooldown     time.Duration
	WakeLockHeld bool
}

// OverrideRecord is a journaled sampling-rate override.
type OverrideRecord struct {
	SessionID  string    `json:"session_id"`
	Kind       Kind      `json:"kind"`
	Source     string    `json:"source"`
	PriorRate  float64   `json:"prior_rate"`
	TargetRate float64   `json:"target_rate"`
	At         time.Time `json:"at"`
}

// SessionRecord summarizes a closed control session.
type SessionRecord struct {
	SessionID    string           `json:"session_id"`
	Agent        string           `json:"agent"`
	Mode         ControlMode      `json:"mode"`
	TriggerKind  Kind             `json:"trigger_kind"`
	StartedAt    time.Time        `json:"started_at"`
	EndedAt      time.Time        `json:"ended_at"`
	Reason       EndReason        `json:"reason"`
	WakeLockHeld bool             `json:"wake_lock_held"`
	Overrides    []OverrideRecord `json:"overrides"`
	Error        string           `json:"error,omitempty"`
}

// Duration is how long the session stayed open.
func (r SessionRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}
