package orchestrator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/speckit/internal/cliexec"
	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/events"
	"github.com/roach88/speckit/internal/orchestrator"
	"github.com/roach88/speckit/internal/retry"
	"github.com/roach88/speckit/internal/store"
	"github.com/roach88/speckit/internal/testutil"
)

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Millisecond,
	}
}

type fixture struct {
	store    *store.Store
	launcher *testutil.FakeLauncher
	recorder *testutil.Recorder
	orch     *orchestrator.Orchestrator
}

func newFixture(t *testing.T, opts ...orchestrator.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    testutil.OpenStore(t),
		launcher: testutil.NewFakeLauncher(),
		recorder: &testutil.Recorder{},
	}
	base := []orchestrator.Option{
		orchestrator.WithPublisher(f.recorder),
		orchestrator.WithIDGenerator(testutil.NewSequenceGenerator("agent")),
		orchestrator.WithPolicy(fastPolicy(3)),
		orchestrator.WithLogger(testutil.DiscardLogger()),
	}
	f.orch = orchestrator.New(f.store, f.launcher, append(base, opts...)...)
	return f
}

func request(runID string, mode orchestrator.Mode, names ...string) orchestrator.StageRequest {
	agents := make([]orchestrator.AgentSpec, len(names))
	for i, n := range names {
		agents[i] = orchestrator.AgentSpec{Name: n, Provider: n + "-provider"}
	}
	return orchestrator.StageRequest{
		SpecID: "SPEC-1",
		Stage:  domain.StagePlan,
		RunID:  runID,
		Agents: agents,
		Mode:   mode,
	}
}

func completedNames(res *orchestrator.StageResult) []string {
	var names []string
	for _, e := range res.Completed {
		names = append(names, e.AgentName)
	}
	return names
}

func rowsFor(t *testing.T, s *store.Store, runID, agent string) []domain.AgentExecution {
	t.Helper()
	rows, err := s.QueryByRun(context.Background(), runID)
	require.NoError(t, err)
	var out []domain.AgentExecution
	for _, r := range rows {
		if r.AgentName == agent {
			out = append(out, r)
		}
	}
	return out
}

func processExited() error {
	return &cliexec.Error{Kind: cliexec.KindProcessExited, ExitCode: 1, Stderr: "boom"}
}

func TestSpawnStageAgents_AllSucceed(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.SpawnStageAgents(context.Background(), request("run-1", orchestrator.Parallel, "claude", "gemini", "gpt_pro"))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"claude", "gemini", "gpt_pro"}, completedNames(res))
	assert.Empty(t, res.Failures)
	assert.Len(t, res.Spawned, 3)
	assert.Equal(t, 3, res.Expected())
	assert.False(t, res.Cancelled)

	for _, e := range res.Completed {
		assert.Equal(t, domain.AgentCompleted, e.State)
		assert.Equal(t, "- ok from "+e.AgentName, e.Output())
		assert.Equal(t, 1, e.Attempt)
		assert.NotNil(t, e.CompletedAt)
	}
	for _, sl := range res.Slots {
		assert.Equal(t, []domain.AgentState{
			domain.AgentPending, domain.AgentQueued, domain.AgentRunning, domain.AgentCompleted,
		}, sl.History)
	}

	assert.Equal(t, 3, f.recorder.Count(events.AgentSpawned))
	assert.Equal(t, 3, f.recorder.Count(events.AgentRunning))
	assert.Equal(t, 3, f.recorder.Count(events.AgentProgress))
	assert.Equal(t, 3, f.recorder.Count(events.AgentCompleted))
	for _, e := range f.recorder.Events() {
		assert.Equal(t, "run-1", e.RunID)
		assert.Equal(t, domain.StagePlan, e.Stage)
	}
}

func TestSpawnStageAgents_OneFailureIsAbsorbed(t *testing.T) {
	f := newFixture(t)
	f.launcher.Script("gemini", testutil.Fail(&cliexec.Error{Kind: cliexec.KindNotAuthenticated, Hint: "gemini auth login"}))

	res, err := f.orch.SpawnStageAgents(context.Background(), request("run-1", orchestrator.Parallel, "claude", "gemini", "gpt_pro"))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"claude", "gpt_pro"}, completedNames(res))
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "gemini", res.Failures[0].Agent)
	assert.Equal(t, 1, res.Failures[0].Attempts)
	assert.Equal(t, "not_authenticated", res.Failures[0].Class)
	assert.Equal(t, 1, f.launcher.Calls("gemini"))

	rows := rowsFor(t, f.store, "run-1", "gemini")
	require.Len(t, rows, 1)
	assert.Equal(t, domain.AgentFailed, rows[0].State)
	assert.Equal(t, "not_authenticated", rows[0].ErrorClass)
	assert.Equal(t, 1, f.recorder.Count(events.AgentFailed))
}

func TestSpawnStageAgents_RetriesWithFreshRows(t *testing.T) {
	f := newFixture(t, orchestrator.WithPolicy(fastPolicy(5)))
	f.launcher.Script("claude",
		testutil.Fail(processExited()),
		testutil.Fail(processExited()),
		testutil.Succeed("- third time"),
	)

	res, err := f.orch.SpawnStageAgents(context.Background(), request("run-1", orchestrator.Parallel, "claude", "gemini"))
	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	assert.Len(t, res.Spawned, 4)

	rows := rowsFor(t, f.store, "run-1", "claude")
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, i+1, r.Attempt)
		assert.Equal(t, 0, r.Slot)
	}
	assert.Equal(t, domain.AgentFailed, rows[0].State)
	assert.Equal(t, "process_exited", rows[0].ErrorClass)
	assert.Equal(t, domain.AgentFailed, rows[1].State)
	assert.Equal(t, domain.AgentCompleted, rows[2].State)
	assert.Equal(t, "- third time", rows[2].Output())

	// Only the successful attempt is collected.
	var claude []domain.AgentExecution
	for _, e := range res.Completed {
		if e.AgentName == "claude" {
			claude = append(claude, e)
		}
	}
	require.Len(t, claude, 1)
	assert.Equal(t, rows[2].AgentID, claude[0].AgentID)

	assert.Equal(t, []domain.AgentState{
		domain.AgentPending, domain.AgentQueued, domain.AgentRunning, domain.AgentFailed,
		domain.AgentRetrying, domain.AgentQueued, domain.AgentRunning, domain.AgentFailed,
		domain.AgentRetrying, domain.AgentQueued, domain.AgentRunning, domain.AgentCompleted,
	}, res.Slots[0].History)
	assert.Equal(t, 3, res.Slots[0].Attempts)
	assert.Equal(t, 2, f.recorder.Count(events.AgentRetrying))
}

func TestSpawnStageAgents_RetryExhaustion(t *testing.T) {
	f := newFixture(t, orchestrator.WithPolicy(fastPolicy(2)))
	f.launcher.Script("claude", testutil.Fail(processExited()))

	res, err := f.orch.SpawnStageAgents(context.Background(), request("run-1", orchestrator.Parallel, "claude", "gemini"))
	require.NoError(t, err)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, 2, res.Failures[0].Attempts)
	assert.Equal(t, "process_exited", res.Failures[0].Class)
	assert.Equal(t, 2, f.launcher.Calls("claude"))
	assert.Len(t, rowsFor(t, f.store, "run-1", "claude"), 2)
	assert.Equal(t, domain.AgentFailed, res.Slots[0].State)
}

func TestSpawnStageAgents_PermanentErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name  string
		reply testutil.Reply
		class string
	}{
		{"binary missing", testutil.Reply{LaunchErr: &cliexec.Error{Kind: cliexec.KindBinaryNotFound, Binary: "claude"}}, "binary_not_found"},
		{"context too large", testutil.Fail(&cliexec.Error{Kind: cliexec.KindContextTooLarge}), "context_too_large"},
		{"empty output", testutil.Succeed(""), "parse_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, orchestrator.WithPolicy(fastPolicy(5)))
			f.launcher.Script("claude", tt.reply)

			res, err := f.orch.SpawnStageAgents(context.Background(), request("run-1", orchestrator.Parallel, "claude"))
			require.NoError(t, err)
			assert.Empty(t, res.Completed)
			require.Len(t, res.Failures, 1)
			assert.Equal(t, tt.class, res.Failures[0].Class)
			assert.Equal(t, 1, f.launcher.Calls("claude"))

			rows := rowsFor(t, f.store, "run-1", "claude")
			require.Len(t, rows, 1)
			assert.Equal(t, domain.AgentFailed, rows[0].State)
			assert.Equal(t, tt.class, rows[0].ErrorClass)
		})
	}
}

func TestSpawnStageAgents_SequentialPassesPriorOutputs(t *testing.T) {
	f := newFixture(t)
	f.launcher.Script("claude", testutil.Succeed("- use WAL mode"))

	req := request("run-1", orchestrator.Sequential, "claude", "gemini")
	req.Context = "Spec body here."
	res, err := f.orch.SpawnStageAgents(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"claude", "gemini"}, completedNames(res))

	first := f.launcher.Prompts("claude")
	require.Len(t, first, 1)
	assert.Contains(t, first[0], "Spec body here.")
	assert.NotContains(t, first[0], "Output from")

	second := f.launcher.Prompts("gemini")
	require.Len(t, second, 1)
	assert.Contains(t, second[0], "## Output from claude")
	assert.Contains(t, second[0], "- use WAL mode")
}

func TestSpawnStageAgents_CollectsOnlyThisCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.orch.SpawnStageAgents(ctx, request("run-old", orchestrator.Parallel, "claude", "gemini"))
	require.NoError(t, err)
	require.Len(t, old.Completed, 2)

	// Resumed run: fresh run id, gemini now fails.
	f.launcher.Script("gemini", testutil.Fail(&cliexec.Error{Kind: cliexec.KindNotAuthenticated}))
	fresh, err := f.orch.SpawnStageAgents(ctx, request("run-new", orchestrator.Parallel, "claude", "gemini"))
	require.NoError(t, err)

	require.Len(t, fresh.Completed, 1)
	assert.Equal(t, "run-new", fresh.Completed[0].RunID)
	assert.Equal(t, "claude", fresh.Completed[0].AgentName)

	all, err := f.store.QueryBySpecStage(ctx, "SPEC-1", domain.StagePlan)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestSpawnStageAgents_SameRunCallsAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gate := request("run-1", orchestrator.Parallel, "claude", "gemini")
	gate.Checkpoint = domain.CheckpointBeforePlan
	gateRes, err := f.orch.SpawnStageAgents(ctx, gate)
	require.NoError(t, err)
	for _, e := range gateRes.Completed {
		assert.Equal(t, domain.PhaseQualityGate, e.PhaseType)
	}

	stageRes, err := f.orch.SpawnStageAgents(ctx, request("run-1", orchestrator.Parallel, "claude", "gemini", "gpt_pro"))
	require.NoError(t, err)
	require.Len(t, stageRes.Completed, 3)
	for _, e := range stageRes.Completed {
		assert.Contains(t, stageRes.Spawned, e.AgentID)
		assert.NotContains(t, gateRes.Spawned, e.AgentID)
		assert.Equal(t, domain.PhaseRegular, e.PhaseType)
	}
}

func TestSpawnStageAgents_Cancellation(t *testing.T) {
	f := newFixture(t)
	f.launcher.Script("claude", testutil.Hang())
	f.launcher.Script("gemini", testutil.Hang())
	f.launcher.Script("gpt_pro", testutil.Hang())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for i := 0; i < 3; i++ {
			<-f.launcher.Launched()
		}
		cancel()
	}()

	res, err := f.orch.SpawnStageAgents(ctx, request("run-1", orchestrator.Parallel, "claude", "gemini", "gpt_pro"))
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.True(t, res.Cancelled)
	assert.Empty(t, res.Completed)
	assert.Len(t, res.Failures, 3)

	rows, err := f.store.QueryByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Equal(t, domain.AgentCancelled, r.State)
		assert.NotNil(t, r.CompletedAt)
	}
	open, err := f.store.QueryOpen(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, 3, f.recorder.Count(events.AgentCancelled))
}

func TestSpawnStageAgents_CancelledDuringBackoff(t *testing.T) {
	f := newFixture(t, orchestrator.WithPolicy(retry.Policy{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        10 * time.Second,
	}))
	f.launcher.Script("claude", testutil.Fail(processExited()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for f.recorder.Count(events.AgentRetrying) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	res, err := f.orch.SpawnStageAgents(ctx, request("run-1", orchestrator.Parallel, "claude"))
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	require.Len(t, res.Slots, 1)
	assert.True(t, res.Cancelled)

	slot := res.Slots[0]
	assert.Equal(t, domain.AgentCancelled, slot.State)
	assert.Equal(t, domain.AgentCancelled, slot.History[len(slot.History)-1])
	assert.Equal(t, 1, slot.Attempts)
	assert.Equal(t, 1, f.launcher.Calls("claude"))

	rows := rowsFor(t, f.store, "run-1", "claude")
	require.Len(t, rows, 1)
	assert.Equal(t, domain.AgentFailed, rows[0].State)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "cancelled", res.Failures[0].Class)
}

func TestSpawnStageAgents_StageTimeout(t *testing.T) {
	f := newFixture(t)
	f.launcher.Script("claude", testutil.Hang())

	req := request("run-1", orchestrator.Parallel, "claude", "gemini")
	req.Timeout = 100 * time.Millisecond
	res, err := f.orch.SpawnStageAgents(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.False(t, res.Cancelled)
	assert.Equal(t, []string{"gemini"}, completedNames(res))
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "timeout", res.Failures[0].Class)

	rows := rowsFor(t, f.store, "run-1", "claude")
	require.Len(t, rows, 1)
	assert.Equal(t, domain.AgentFailed, rows[0].State)
	assert.Equal(t, "timeout", rows[0].ErrorClass)
}

func TestSpawnStageAgents_InvalidRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.SpawnStageAgents(context.Background(), request("run-1", orchestrator.Parallel))
	require.Error(t, err)
	assert.Equal(t, retry.Permanent, retry.ClassOf(err))

	_, err = f.orch.SpawnStageAgents(context.Background(), request("run-1", orchestrator.Parallel, "claude", "claude"))
	assert.ErrorContains(t, err, "listed twice")

	req := request("", orchestrator.Parallel, "claude")
	_, err = f.orch.SpawnStageAgents(context.Background(), req)
	assert.ErrorContains(t, err, "run id is required")
}

// brokenStore fails every spawn write.
type brokenStore struct {
	*store.Store
}

func (brokenStore) RecordSpawn(context.Context, domain.AgentExecution) (domain.AgentExecution, error) {
	return domain.AgentExecution{}, &store.StorageError{Op: "record spawn", Class: retry.Permanent, Err: errors.New("disk full")}
}

func TestSpawnStageAgents_StoreFailureFailsStage(t *testing.T) {
	s := brokenStore{Store: testutil.OpenStore(t)}
	orch := orchestrator.New(s, testutil.NewFakeLauncher(),
		orchestrator.WithPolicy(fastPolicy(3)),
		orchestrator.WithLogger(testutil.DiscardLogger()),
	)

	res, err := orch.SpawnStageAgents(context.Background(), request("run-1", orchestrator.Parallel, "claude", "gemini"))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorContains(t, err, "disk full")
	assert.True(t, store.IsStorageError(err))
}

func TestParseMode(t *testing.T) {
	m, err := orchestrator.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Parallel, m)

	m, err = orchestrator.ParseMode("Sequential")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Sequential, m)

	_, err = orchestrator.ParseMode("round-robin")
	assert.Error(t, err)
}
