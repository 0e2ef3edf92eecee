package domain

import "time"

// AgentState is the lifecycle state of one agent slot.
type AgentState string

const (
	AgentPending   AgentState = "pending"
	AgentQueued    AgentState = "queued"
	AgentRunning   AgentState = "running"
	AgentCompleted AgentState = "completed"
	AgentFailed    AgentState = "failed"
	AgentRetrying  AgentState = "retrying"
	AgentCancelled AgentState = "cancelled"
)

// IsTerminal reports whether a persisted row in this state is final.
func (s AgentState) IsTerminal() bool {
	switch s {
	case AgentCompleted, AgentFailed, AgentCancelled:
		return true
	default:
		return false
	}
}

// AgentExecution is one persisted spawn attempt.
//
// A row is created on spawn, mutated only by the orchestrator task that owns
// it, and immutable once CompletedAt is set. A retry creates a new row with
// the same Slot and Attempt+1.
type AgentExecution struct {
	AgentID      string     `json:"agent_id"`
	RunID        string     `json:"run_id"`
	SpecID       string     `json:"spec_id"`
	Stage        Stage      `json:"stage"`
	PhaseType    PhaseType  `json:"phase_type"`
	AgentName    string     `json:"agent_name"`
	Provider     string     `json:"provider"`
	Slot         int        `json:"slot"`
	Attempt      int        `json:"attempt"`
	State        AgentState `json:"state"`
	SpawnedAt    time.Time  `json:"spawned_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	RawOutput    *string    `json:"raw_output,omitempty"`
	ErrorClass   string     `json:"error_class,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Seq          int64      `json:"seq"`
}

// Output returns the raw output or "" when none was recorded.
func (e AgentExecution) Output() string {
	if e.RawOutput == nil {
		return ""
	}
	return *e.RawOutput
}

// Completion is the terminal update applied to an AgentExecution.
type Completion struct {
	State        AgentState `json:"state"`
	RawOutput    *string    `json:"raw_output,omitempty"`
	ErrorClass   string     `json:"error_class,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CompletedAt  time.Time  `json:"completed_at"`
}
