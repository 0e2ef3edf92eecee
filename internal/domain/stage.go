package domain

import (
	"fmt"
	"strings"
)

// Stage is one step of the delivery pipeline.
type Stage string

const (
	StageSpecify   Stage = "specify"
	StagePlan      Stage = "plan"
	StageTasks     Stage = "tasks"
	StageImplement Stage = "implement"
	StageValidate  Stage = "validate"
	StageAudit     Stage = "audit"
	StageUnlock    Stage = "unlock"
)

// allStages is the fixed pipeline order.
var allStages = []Stage{
	StageSpecify,
	StagePlan,
	StageTasks,
	StageImplement,
	StageValidate,
	StageAudit,
	StageUnlock,
}

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	out := make([]Stage, len(allStages))
	copy(out, allStages)
	return out
}

// ParseStage resolves a stage by name. Matching is case-insensitive and
// accepts an optional "spec-" prefix ("spec-plan" == "plan").
func ParseStage(name string) (Stage, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "spec-")
	for _, s := range allStages {
		if string(s) == n {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", name)
}

// Index returns the position of s in the pipeline order, or -1.
func (s Stage) Index() int {
	for i, st := range allStages {
		if st == s {
			return i
		}
	}
	return -1
}

// Title returns a display name ("Plan", "Tasks").
func (s Stage) Title() string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

func (s Stage) String() string { return string(s) }

// PhaseType distinguishes regular stage work from quality-gate checkpoints.
type PhaseType string

const (
	PhaseRegular     PhaseType = "regular"
	PhaseQualityGate PhaseType = "quality_gate"
)

// Checkpoint is a quality gate that runs before a stage.
type Checkpoint string

const (
	// CheckpointBeforePlan runs clarify gates after specify.
	CheckpointBeforePlan Checkpoint = "before-plan"
	// CheckpointBeforeTasks runs checklist gates after plan.
	CheckpointBeforeTasks Checkpoint = "before-tasks"
	// CheckpointBeforeImplement runs analyze gates after tasks.
	CheckpointBeforeImplement Checkpoint = "before-implement"
)

// Stage returns the stage the checkpoint guards.
func (c Checkpoint) Stage() Stage {
	switch c {
	case CheckpointBeforePlan:
		return StagePlan
	case CheckpointBeforeTasks:
		return StageTasks
	case CheckpointBeforeImplement:
		return StageImplement
	default:
		return ""
	}
}

// CheckpointFor returns the checkpoint that guards stage, or "" when the
// stage has none.
func CheckpointFor(s Stage) Checkpoint {
	for _, c := range []Checkpoint{CheckpointBeforePlan, CheckpointBeforeTasks, CheckpointBeforeImplement} {
		if c.Stage() == s {
			return c
		}
	}
	return ""
}

// Gate returns the gate kind the checkpoint runs.
func (c Checkpoint) Gate() string {
	switch c {
	case CheckpointBeforePlan:
		return "clarify"
	case CheckpointBeforeTasks:
		return "checklist"
	case CheckpointBeforeImplement:
		return "analyze"
	default:
		return ""
	}
}

// ParseCheckpoint resolves a checkpoint by name.
func ParseCheckpoint(name string) (Checkpoint, error) {
	c := Checkpoint(strings.ToLower(strings.TrimSpace(name)))
	if c.Stage() == "" {
		return "", fmt.Errorf("unknown checkpoint %q", name)
	}
	return c, nil
}
