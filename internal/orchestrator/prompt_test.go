package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/speckit/internal/domain"
)

func TestTemplatePrompts_Default(t *testing.T) {
	p, err := NewTemplatePrompts("")
	require.NoError(t, err)

	out, err := p.Build(PromptData{
		SpecID:  "SPEC-7",
		Stage:   domain.StagePlan,
		Agent:   "gemini",
		Attempt: 1,
		Context: "Add offline sync.",
		Prior: []PriorOutput{
			{Agent: "claude", Output: "\n- split the work\n\n"},
		},
	})
	require.NoError(t, err)

	assert.Contains(t, out, "You are gemini, one of several agents working on SPEC-7.")
	assert.Contains(t, out, "Produce your Plan stage output.")
	assert.Contains(t, out, "## Context\n\nAdd offline sync.")
	assert.Contains(t, out, "## Output from claude\n\n- split the work\n")
	assert.NotContains(t, out, "quality gate")
}

func TestTemplatePrompts_Gate(t *testing.T) {
	p, err := NewTemplatePrompts("")
	require.NoError(t, err)

	out, err := p.Build(PromptData{
		SpecID:     "SPEC-7",
		Stage:      domain.StagePlan,
		Checkpoint: domain.CheckpointBeforePlan,
		Agent:      "claude",
		Attempt:    1,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Run the clarify quality gate (before-plan) before the Plan stage.")
	assert.NotContains(t, out, "## Context")
}

func TestTemplatePrompts_Custom(t *testing.T) {
	p, err := NewTemplatePrompts("{{.Agent}}/{{.Stage}}/{{.Attempt}}")
	require.NoError(t, err)
	out, err := p.Build(PromptData{Agent: "code", Stage: domain.StageTasks, Attempt: 3})
	require.NoError(t, err)
	assert.Equal(t, "code/tasks/3", out)

	_, err = NewTemplatePrompts("{{.Agent")
	assert.ErrorContains(t, err, "parse prompt template")

	bad, err := NewTemplatePrompts("{{.Missing}}")
	require.NoError(t, err)
	_, err = bad.Build(PromptData{})
	assert.ErrorContains(t, err, "render prompt")
}
