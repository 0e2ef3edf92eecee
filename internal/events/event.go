// Package events carries lifecycle notifications from the orchestrator and
// pipeline coordinator to presentation layers.
//
// Events are plain values. A subscriber receives copies on a receive-only
// channel and has no handle back into the component that published them.
package events

import (
	"time"

	"github.com/roach88/speckit/internal/domain"
)

// Type names a lifecycle event.
type Type string

const (
	AgentSpawned   Type = "agent.spawned"
	AgentRunning   Type = "agent.running"
	AgentProgress  Type = "agent.progress"
	AgentCompleted Type = "agent.completed"
	AgentFailed    Type = "agent.failed"
	AgentRetrying  Type = "agent.retrying"
	AgentCancelled Type = "agent.cancelled"

	StageStarted   Type = "stage.started"
	StageCompleted Type = "stage.completed"
	GateEvaluated  Type = "gate.evaluated"

	PipelineStatus Type = "pipeline.status"
)

// Event is one lifecycle notification. Fields that do not apply to a type
// are left zero.
type Event struct {
	Type         Type                  `json:"type"`
	Seq          int64                 `json:"seq"`
	RunID        string                `json:"run_id"`
	SpecID       string                `json:"spec_id,omitempty"`
	Stage        domain.Stage          `json:"stage,omitempty"`
	Checkpoint   domain.Checkpoint     `json:"checkpoint,omitempty"`
	AgentID      string                `json:"agent_id,omitempty"`
	AgentName    string                `json:"agent_name,omitempty"`
	Attempt      int                   `json:"attempt,omitempty"`
	Status       domain.PipelineStatus `json:"status,omitempty"`
	Outcome      domain.StageOutcome   `json:"outcome,omitempty"`
	Participants int                   `json:"participants,omitempty"`
	Expected     int                   `json:"expected,omitempty"`
	Text         string                `json:"text,omitempty"`
	Error        string                `json:"error,omitempty"`
	Time         time.Time             `json:"time"`
}

// Publisher accepts events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
