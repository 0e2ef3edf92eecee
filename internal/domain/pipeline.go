package domain

import "time"

// PipelineStatus is the coordinator's state for one run.
type PipelineStatus string

const (
	StatusReady            PipelineStatus = "ready"
	StatusRunning          PipelineStatus = "running"
	StatusPausedForReview  PipelineStatus = "paused_for_review"
	StatusCompletedSuccess PipelineStatus = "completed_success"
	StatusCompletedFailure PipelineStatus = "completed_failure"
	StatusCancelled        PipelineStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case StatusCompletedSuccess, StatusCompletedFailure, StatusCancelled:
		return true
	default:
		return false
	}
}

// StageOutcome records how one stage (or checkpoint) of a run ended.
type StageOutcome string

const (
	OutcomeAdvanced StageOutcome = "advanced"
	OutcomeDegraded StageOutcome = "degraded"
	OutcomeHalted   StageOutcome = "halted"
	OutcomeFailed   StageOutcome = "failed"
)

// StageRecord is one entry of a run's stage history.
type StageRecord struct {
	Stage        Stage        `json:"stage"`
	Checkpoint   Checkpoint   `json:"checkpoint,omitempty"`
	Outcome      StageOutcome `json:"outcome"`
	Participants int          `json:"participants"`
	Expected     int          `json:"expected"`
	Detail       string       `json:"detail,omitempty"`
	CompletedAt  time.Time    `json:"completed_at"`
}

// PipelineState is the persisted state of one pipeline run.
type PipelineState struct {
	RunID             string         `json:"run_id"`
	SpecID            string         `json:"spec_id"`
	Status            PipelineStatus `json:"status"`
	CurrentStageIndex int            `json:"current_stage_index"`
	CurrentStage      Stage          `json:"current_stage"`
	StageHistory      []StageRecord  `json:"stage_history"`
	ResumedFromRun    string         `json:"resumed_from_run,omitempty"`
	HaltReason        string         `json:"halt_reason,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}
