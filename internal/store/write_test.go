package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/retry"
)

func TestRecordSpawn_RoundTripByRun(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	written, err := s.RecordSpawn(ctx, createTestExecution("agent-1", "run-A", 0))
	require.NoError(t, err)
	assert.Positive(t, written.Seq)

	got, err := s.QueryByRun(ctx, "run-A")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, written, got[0])
	assert.Nil(t, got[0].CompletedAt)
	assert.Nil(t, got[0].RawOutput)
}

func TestQueryByRun_IsolatesRuns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.RecordSpawn(ctx, createTestExecution("agent-1", "run-A", 0))
	require.NoError(t, err)
	_, err = s.RecordSpawn(ctx, createTestExecution("agent-2", "run-B", 0))
	require.NoError(t, err)

	got, err := s.QueryByRun(ctx, "run-C")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	got, err = s.QueryByRun(ctx, "run-B")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "agent-2", got[0].AgentID)
}

func TestQueryBySpecStage_SpansRuns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, run := range []string{"run-A", "run-B"} {
		_, err := s.RecordSpawn(ctx, createTestExecution("agent-"+run, run, i))
		require.NoError(t, err)
	}
	other := createTestExecution("agent-x", "run-A", 5)
	other.Stage = domain.StageTasks
	_, err := s.RecordSpawn(ctx, other)
	require.NoError(t, err)

	got, err := s.QueryBySpecStage(ctx, "SPEC-1", domain.StagePlan)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "agent-run-A", got[0].AgentID)
	assert.Equal(t, "agent-run-B", got[1].AgentID)
}

func TestRecordSpawn_DuplicateReturnsStoredRow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.RecordSpawn(ctx, createTestExecution("agent-1", "run-A", 0))
	require.NoError(t, err)

	again := createTestExecution("agent-1", "run-A", 0)
	again.AgentName = "changed"
	second, err := s.RecordSpawn(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRecordSpawn_RetryAttemptIsNewRow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.RecordSpawn(ctx, createTestExecution("agent-1", "run-A", 0))
	require.NoError(t, err)
	retryRow := createTestExecution("agent-1b", "run-A", 0)
	retryRow.Attempt = 2
	_, err = s.RecordSpawn(ctx, retryRow)
	require.NoError(t, err)

	// Same slot and attempt under a different id violates the unique key.
	dup := createTestExecution("agent-1c", "run-A", 0)
	dup.Attempt = 2
	_, err = s.RecordSpawn(ctx, dup)
	require.Error(t, err)
	assert.Equal(t, retry.Permanent, retry.ClassOf(err))

	got, err := s.QueryByRun(ctx, "run-A")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRecordSpawn_Validation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*domain.AgentExecution)
		field  string
	}{
		{"no agent id", func(e *domain.AgentExecution) { e.AgentID = "" }, "agent_id"},
		{"no run id", func(e *domain.AgentExecution) { e.RunID = "" }, "run_id"},
		{"zero attempt", func(e *domain.AgentExecution) { e.Attempt = 0 }, "attempt"},
		{"terminal state", func(e *domain.AgentExecution) { e.State = domain.AgentCompleted }, "state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := createTestExecution("agent-1", "run-A", 0)
			tt.mutate(&exec)
			_, err := s.RecordSpawn(ctx, exec)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, retry.Permanent, retry.ClassOf(err))
		})
	}
}

func TestRecordCompletion_SetsTerminalFields(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.RecordSpawn(ctx, createTestExecution("agent-1", "run-A", 0))
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, "agent-1"))

	recorded, err := s.RecordCompletion(ctx, "agent-1", completed("the plan"))
	require.NoError(t, err)
	assert.True(t, recorded)

	got, err := s.GetExecution(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentCompleted, got.State)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(testTime.Add(time.Minute)))
	assert.Equal(t, "the plan", got.Output())
}

func TestRecordCompletion_CompletedRowIsImmutable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.RecordSpawn(ctx, createTestExecution("agent-1", "run-A", 0))
	require.NoError(t, err)

	recorded, err := s.RecordCompletion(ctx, "agent-1", completed("first"))
	require.NoError(t, err)
	require.True(t, recorded)

	recorded, err = s.RecordCompletion(ctx, "agent-1", domain.Completion{
		State:        domain.AgentFailed,
		ErrorClass:   "permanent",
		ErrorMessage: "late failure",
		CompletedAt:  testTime.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, recorded)

	require.NoError(t, s.MarkRunning(ctx, "agent-1"))

	got, err := s.GetExecution(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentCompleted, got.State)
	assert.Equal(t, "first", got.Output())
	assert.Empty(t, got.ErrorMessage)
}

func TestRecordCompletion_UnknownAgent(t *testing.T) {
	s := createTestStore(t)

	_, err := s.RecordCompletion(context.Background(), "ghost", completed("x"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, retry.Permanent, retry.ClassOf(err))

	_, err = s.GetExecution(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordCompletion_RejectsNonTerminalState(t *testing.T) {
	s := createTestStore(t)
	_, err := s.RecordCompletion(context.Background(), "agent-1", domain.Completion{State: domain.AgentRunning})
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestRecordSynthesis_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	r := domain.ConsensusResult{
		SpecID:           "SPEC-1",
		Stage:            domain.StagePlan,
		RunID:            "run-A",
		PhaseType:        domain.PhaseRegular,
		Agreements:       []string{"use sqlite <wal>"},
		Conflicts:        []string{},
		Degraded:         true,
		ParticipantCount: 2,
		ExpectedCount:    3,
		Participants:     []string{"claude", "gemini"},
		MissingAgents:    []string{"codex"},
		OutputMarkdown:   "# Plan\n",
		CreatedAt:        testTime,
	}
	recorded, err := s.RecordSynthesis(ctx, r)
	require.NoError(t, err)
	assert.True(t, recorded)

	recorded, err = s.RecordSynthesis(ctx, r)
	require.NoError(t, err)
	assert.False(t, recorded)

	require.NoError(t, s.SetSynthesisOutputPath(ctx, "SPEC-1", domain.StagePlan, "run-A", domain.PhaseRegular, "docs/SPEC-1/plan.md"))

	got, err := s.LatestSynthesis(ctx, "SPEC-1", domain.StagePlan)
	require.NoError(t, err)
	r.OutputPath = "docs/SPEC-1/plan.md"
	assert.Equal(t, r, got)
	assert.Equal(t, domain.SynthesisDegraded, got.Status())

	byRun, err := s.SynthesesByRun(ctx, "run-A")
	require.NoError(t, err)
	assert.Len(t, byRun, 1)

	_, err = s.LatestSynthesis(ctx, "SPEC-1", domain.StageTasks)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordSynthesis_GateAndStageCoexist(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	base := domain.ConsensusResult{
		SpecID: "SPEC-1", Stage: domain.StagePlan, RunID: "run-A",
		ParticipantCount: 2, ExpectedCount: 2, CreatedAt: testTime,
	}
	gate := base
	gate.PhaseType = domain.PhaseQualityGate
	gate.Checkpoint = domain.CheckpointBeforePlan

	_, err := s.RecordSynthesis(ctx, gate)
	require.NoError(t, err)
	recorded, err := s.RecordSynthesis(ctx, base)
	require.NoError(t, err)
	assert.True(t, recorded)

	byRun, err := s.SynthesesByRun(ctx, "run-A")
	require.NoError(t, err)
	require.Len(t, byRun, 2)
	assert.Equal(t, domain.PhaseQualityGate, byRun[0].PhaseType)
	assert.Equal(t, domain.CheckpointBeforePlan, byRun[0].Checkpoint)
	assert.Equal(t, []string{}, byRun[1].Agreements)

	// LatestSynthesis ignores gate rows.
	latest, err := s.LatestSynthesis(ctx, "SPEC-1", domain.StagePlan)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseRegular, latest.PhaseType)
}

func TestPipelineState_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	st := domain.PipelineState{
		RunID:             "run-A",
		SpecID:            "SPEC-1",
		Status:            domain.StatusRunning,
		CurrentStageIndex: 1,
		CurrentStage:      domain.StagePlan,
		StartedAt:         testTime,
		UpdatedAt:         testTime,
	}
	require.NoError(t, s.SavePipelineState(ctx, st))
	require.NoError(t, s.AppendStageRecord(ctx, "run-A", domain.StageRecord{
		Stage: domain.StageSpecify, Outcome: domain.OutcomeAdvanced,
		Participants: 3, Expected: 3, CompletedAt: testTime,
	}))

	st.Status = domain.StatusPausedForReview
	st.HaltReason = "insufficient consensus"
	st.UpdatedAt = testTime.Add(time.Minute)
	require.NoError(t, s.SavePipelineState(ctx, st))

	got, err := s.LoadPipelineState(ctx, "run-A")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPausedForReview, got.Status)
	assert.Equal(t, "insufficient consensus", got.HaltReason)
	assert.True(t, got.StartedAt.Equal(testTime))
	require.Len(t, got.StageHistory, 1)
	assert.Equal(t, domain.OutcomeAdvanced, got.StageHistory[0].Outcome)

	_, err = s.LoadPipelineState(ctx, "run-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStageRecord_RequiresRun(t *testing.T) {
	s := createTestStore(t)
	err := s.AppendStageRecord(context.Background(), "no-such-run", domain.StageRecord{
		Stage: domain.StagePlan, Outcome: domain.OutcomeAdvanced, CompletedAt: testTime,
	})
	require.Error(t, err)
	assert.Equal(t, retry.Permanent, retry.ClassOf(err))
}

func TestListRuns_NewestFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"run-1", "run-2"} {
		require.NoError(t, s.SavePipelineState(ctx, domain.PipelineState{
			RunID: id, SpecID: "SPEC-1", Status: domain.StatusRunning,
			StartedAt: testTime, UpdatedAt: testTime,
		}))
	}
	require.NoError(t, s.SavePipelineState(ctx, domain.PipelineState{
		RunID: "run-3", SpecID: "SPEC-2", Status: domain.StatusRunning,
		StartedAt: testTime, UpdatedAt: testTime,
	}))

	runs, err := s.ListRuns(ctx, "SPEC-1", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].RunID)

	all, err := s.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	latest, err := s.LatestRunForSpec(ctx, "SPEC-1")
	require.NoError(t, err)
	assert.Equal(t, "run-2", latest.RunID)
}
