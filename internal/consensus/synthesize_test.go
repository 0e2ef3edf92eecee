package consensus

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/retry"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestSynthesizer() *Synthesizer {
	return New(
		WithClock(func() time.Time { return fixedNow }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func planRequest(outputs ...Output) Request {
	return Request{
		SpecID:    "SPEC-042",
		Stage:     domain.StagePlan,
		RunID:     "run-golden",
		PhaseType: domain.PhaseRegular,
		Expected:  []string{"gemini", "claude", "gpt_pro"},
		Outputs:   outputs,
	}
}

func out(agent, content string) Output {
	return Output{AgentName: agent, AgentID: agent + "-id", Content: content}
}

func TestRequired(t *testing.T) {
	tests := []struct {
		name     string
		expected int
		fraction float64
		floor    int
		want     int
	}{
		{"three agents default", 3, 0, 0, 2},
		{"four agents default", 4, 0, 0, 3},
		{"single agent", 1, 0, 0, 1},
		{"gate of two", 2, 0, 2, 2},
		{"gate of three", 3, 0, 2, 2},
		{"half of five", 5, 0.5, 0, 3},
		{"unanimous", 3, 1, 0, 3},
		{"fraction above one clamps", 3, 1.5, 0, 3},
		{"floor capped at roster", 1, 0, 2, 1},
		{"empty roster", 0, 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, required(tt.expected, tt.fraction, tt.floor))
		})
	}
}

func TestSynthesize_AllAgentsSucceed(t *testing.T) {
	res, err := newTestSynthesizer().Synthesize(planRequest(
		out("claude", "- Use WAL mode"),
		out("gemini", "- Use WAL mode"),
		out("gpt_pro", "- Use WAL mode"),
	))
	require.NoError(t, err)

	assert.False(t, res.Degraded)
	assert.Equal(t, 3, res.ParticipantCount)
	assert.Equal(t, 3, res.ExpectedCount)
	assert.Equal(t, []string{"claude", "gemini", "gpt_pro"}, res.Participants)
	assert.Empty(t, res.MissingAgents)
	assert.NotNil(t, res.MissingAgents)
	assert.Equal(t, []string{"Use WAL mode"}, res.Agreements)
	assert.NotNil(t, res.Conflicts)
	assert.Equal(t, domain.SynthesisOK, res.Status())
	assert.Equal(t, fixedNow, res.CreatedAt)
}

func TestSynthesize_OneFailureIsDegraded(t *testing.T) {
	res, err := newTestSynthesizer().Synthesize(planRequest(
		out("claude", "- Use WAL mode"),
		out("gemini", "- use wal mode."),
	))

	require.Error(t, err)
	assert.True(t, IsDegraded(err))
	assert.Equal(t, retry.Degraded, retry.ClassOf(err))

	assert.True(t, res.Degraded)
	assert.Equal(t, 2, res.ParticipantCount)
	assert.Equal(t, []string{"gpt_pro"}, res.MissingAgents)
	assert.Equal(t, domain.SynthesisDegraded, res.Status())
	assert.Contains(t, res.OutputMarkdown, "- Degraded: gpt_pro did not complete")
}

func TestSynthesize_TwoFailuresIsInsufficient(t *testing.T) {
	res, err := newTestSynthesizer().Synthesize(planRequest(
		out("claude", "- Use WAL mode"),
	))

	require.Error(t, err)
	var ie *InsufficientError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 1, ie.Participants)
	assert.Equal(t, 3, ie.Expected)
	assert.Equal(t, 2, ie.Required)
	assert.Equal(t, []string{"gemini", "gpt_pro"}, ie.Missing)
	assert.Equal(t, retry.Permanent, retry.ClassOf(err))
	assert.Contains(t, err.Error(), "1 of 3 agents succeeded, 2 required")
	assert.Zero(t, res.ParticipantCount)
}

func TestSynthesize_NoOutputs(t *testing.T) {
	_, err := newTestSynthesizer().Synthesize(planRequest())
	assert.True(t, IsInsufficient(err))
}

func TestSynthesize_BlankOutputDoesNotParticipate(t *testing.T) {
	_, err := newTestSynthesizer().Synthesize(planRequest(
		out("claude", "- Use WAL mode"),
		out("gemini", "  \n\t"),
	))
	assert.True(t, IsInsufficient(err))
}

func TestSynthesize_DuplicateAndOutsideAgents(t *testing.T) {
	res, err := newTestSynthesizer().Synthesize(planRequest(
		out("claude", "- first"),
		out("claude", "- second"),
		out("gemini", "- first"),
		out("gpt_pro", "- first"),
		out("stranger", "- first"),
	))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ParticipantCount)
	assert.Equal(t, []string{"first"}, res.Agreements)
	assert.NotContains(t, res.OutputMarkdown, "stranger")
	assert.NotContains(t, res.OutputMarkdown, "second")
}

func TestSynthesize_RosterFromOutputs(t *testing.T) {
	res, err := newTestSynthesizer().Synthesize(Request{
		SpecID: "SPEC-1",
		Stage:  domain.StageTasks,
		RunID:  "run-1",
		Outputs: []Output{
			out("claude", "- a"),
			out("gemini", "- a"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExpectedCount)
	assert.Equal(t, domain.PhaseRegular, res.PhaseType)
}

func TestSynthesize_GateRequiresTwo(t *testing.T) {
	req := Request{
		SpecID:          "SPEC-1",
		Stage:           domain.StagePlan,
		RunID:           "run-1",
		Checkpoint:      domain.CheckpointBeforePlan,
		Expected:        []string{"claude", "gemini"},
		MinParticipants: 2,
		Outputs:         []Output{out("claude", `{"issues": []}`)},
	}
	_, err := newTestSynthesizer().Synthesize(req)
	var ie *InsufficientError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 2, ie.Required)
	assert.Contains(t, err.Error(), "before-plan")

	req.Outputs = append(req.Outputs, out("gemini", `{"issues": []}`))
	res, err := newTestSynthesizer().Synthesize(req)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseQualityGate, res.PhaseType)
	assert.Equal(t, domain.CheckpointBeforePlan, res.Checkpoint)
	assert.Contains(t, res.OutputMarkdown, "# Clarify Gate (before-plan): SPEC-1\n")
}

func TestSynthesize_ConflictingVerdicts(t *testing.T) {
	res, err := newTestSynthesizer().Synthesize(Request{
		SpecID:   "SPEC-1",
		Stage:    domain.StageAudit,
		RunID:    "run-1",
		Expected: []string{"claude", "gemini"},
		Outputs: []Output{
			out("claude", `{"audit_verdict": "pass", "conflicts": ["Coverage is thin"]}`),
			out("gemini", `{"audit_verdict": "fail"}`),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"audit_verdict disagrees: claude=pass, gemini=fail",
		"Coverage is thin",
	}, res.Conflicts)
	assert.Equal(t, domain.SynthesisConflict, res.Status())
}

func TestSynthesize_ExplicitConsensusNode(t *testing.T) {
	res, err := newTestSynthesizer().Synthesize(Request{
		SpecID:   "SPEC-1",
		Stage:    domain.StageImplement,
		RunID:    "run-1",
		Expected: []string{"code"},
		Outputs: []Output{out("code", `{"implementation": [], "consensus": {"agreements": ["Ship it"], "conflicts": ["Naming"]}}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Ship it"}, res.Agreements)
	assert.Equal(t, []string{"Naming"}, res.Conflicts)
}

func TestSynthesize_RenderIsDeterministic(t *testing.T) {
	req := planRequest(
		out("gemini", "- b\n- a"),
		out("claude", "- a\n- b"),
	)
	first, _ := newTestSynthesizer().Synthesize(req)
	req.Outputs[0], req.Outputs[1] = req.Outputs[1], req.Outputs[0]
	second, _ := newTestSynthesizer().Synthesize(req)
	assert.Equal(t, first.OutputMarkdown, second.OutputMarkdown)
	assert.Equal(t, []string{"a", "b"}, first.Agreements)
}

func TestSynthesize_Golden(t *testing.T) {
	claude := "Here is my plan.\n\n```json\n" +
		`{"stage": "plan", "agent": "claude",` +
		` "work_breakdown": [{"step": "Add retry policy to the store", "rationale": "SQLite busy errors"}, {"step": "Write the orchestrator"}],` +
		` "risks": [{"risk": "Lock contention", "mitigation": "Short transactions"}],` +
		` "acceptance_mapping": [], "status": "approve"}` +
		"\n```\n"
	gemini := `{"stage": "plan", "agent": "gemini",` +
		` "work_breakdown": [{"step": "add retry policy to the store."}, {"step": "Build the HTTP surface"}],` +
		` "risks": ["Lock contention"], "status": "revise"}`

	res, err := newTestSynthesizer().Synthesize(planRequest(
		out("gemini", gemini),
		out("claude", claude),
	))
	require.True(t, IsDegraded(err))

	assert.Equal(t, []string{"Add retry policy to the store", "Lock contention"}, res.Agreements)
	assert.Equal(t, []string{"status disagrees: claude=approve, gemini=revise"}, res.Conflicts)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "plan_degraded_conflict", []byte(res.OutputMarkdown))
}
