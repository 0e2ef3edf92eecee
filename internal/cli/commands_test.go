package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/speckit/internal/cliexec"
	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/orchestrator"
	"github.com/roach88/speckit/internal/testutil"
)

const testConfig = `db: %s
artifacts:
  dir: %s
pipeline:
  stages: [specify, plan]
  threshold: 0.6
agents:
  a: {command: agent-a}
  b: {command: agent-b}
  c: {command: agent-c}
rosters:
  specify: [a, b, c]
  plan: [a, b, c]
gates:
  clarify: []
  checklist: []
  analyze: []
`

type env struct {
	dir    string
	config string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	color.NoColor = true

	dir := t.TempDir()
	path := filepath.Join(dir, "speckit.yaml")
	data := fmt.Sprintf(testConfig, filepath.Join(dir, "db", "speckit.db"), filepath.Join(dir, "artifacts"))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return &env{dir: dir, config: path}
}

// exec runs the root command with launcher and returns stdout and stderr.
func (e *env) exec(t *testing.T, launcher orchestrator.Launcher, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(&RootOptions{Launcher: launcher})
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func failPlan(l *testutil.FakeLauncher, agents ...string) *testutil.FakeLauncher {
	denied := &cliexec.Error{Kind: cliexec.KindNotAuthenticated, Message: "login required"}
	for _, a := range agents {
		l.Script(a, testutil.Succeed("- ok from "+a), testutil.Fail(denied))
	}
	return l
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var resp struct {
		Status string    `json:"status"`
		Data   T         `json:"data"`
		Error  *CLIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	return resp.Data
}

func TestRun_Succeeds(t *testing.T) {
	e := newEnv(t)
	launcher := testutil.NewFakeLauncher()

	stdout, stderr, err := e.exec(t, launcher, "run", "SPEC-1")
	require.NoError(t, err)

	assert.Contains(t, stdout, "completed_success")
	assert.Contains(t, stdout, "specify")
	assert.Contains(t, stdout, "plan")
	assert.Contains(t, stderr, "specify: 3/3 agents, advanced")
	assert.Equal(t, 2, launcher.Calls("a"))

	entries, err := os.ReadDir(filepath.Join(e.dir, "artifacts"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestRun_JSON(t *testing.T) {
	e := newEnv(t)

	stdout, _, err := e.exec(t, testutil.NewFakeLauncher(), "--format", "json", "run", "SPEC-1")
	require.NoError(t, err)

	st := decode[domain.PipelineState](t, stdout)
	assert.Equal(t, domain.StatusCompletedSuccess, st.Status)
	assert.Equal(t, "SPEC-1", st.SpecID)
	require.Len(t, st.StageHistory, 2)
	assert.Equal(t, domain.OutcomeAdvanced, st.StageHistory[1].Outcome)
}

func TestRun_PausedForReview(t *testing.T) {
	e := newEnv(t)
	launcher := failPlan(testutil.NewFakeLauncher(), "b", "c")

	stdout, _, err := e.exec(t, launcher, "run", "SPEC-1")
	require.Error(t, err)
	assert.Equal(t, ExitNeedsReview, GetExitCode(err))
	assert.True(t, IsReported(err))

	assert.Contains(t, stdout, "Pipeline paused_for_review")
	assert.Contains(t, stdout, "agents: 1 of 3 succeeded, 2 required")
	assert.Contains(t, stdout, "speckit resume SPEC-1 --from plan")
}

func TestRun_PausedForReviewJSON(t *testing.T) {
	e := newEnv(t)
	launcher := failPlan(testutil.NewFakeLauncher(), "b", "c")

	stdout, _, err := e.exec(t, launcher, "--format", "json", "run", "SPEC-1")
	require.Error(t, err)
	assert.Equal(t, ExitNeedsReview, GetExitCode(err))

	var resp struct {
		Status string `json:"status"`
		Error  struct {
			Code    string      `json:"code"`
			Details HaltDetails `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "E010", resp.Error.Code)
	assert.Equal(t, domain.StagePlan, resp.Error.Details.Stage)
	assert.Equal(t, []string{"b", "c"}, resp.Error.Details.Missing)
	assert.Equal(t, "speckit resume SPEC-1 --from plan", resp.Error.Details.Resume)
}

func TestResume_AfterPause(t *testing.T) {
	e := newEnv(t)

	_, _, err := e.exec(t, failPlan(testutil.NewFakeLauncher(), "b", "c"), "run", "SPEC-1")
	require.Equal(t, ExitNeedsReview, GetExitCode(err))

	launcher := testutil.NewFakeLauncher()
	stdout, _, err := e.exec(t, launcher, "--format", "json", "resume", "SPEC-1", "--from", "plan")
	require.NoError(t, err)

	st := decode[domain.PipelineState](t, stdout)
	assert.Equal(t, domain.StatusCompletedSuccess, st.Status)
	assert.NotEmpty(t, st.ResumedFromRun)
	assert.NotEqual(t, st.ResumedFromRun, st.RunID)
	// Only plan runs again.
	assert.Equal(t, 1, launcher.Calls("a"))
	assert.Contains(t, launcher.Prompts("a")[0], "## Context")

	runs, _, err := e.exec(t, nil, "--format", "json", "runs", "--spec", "SPEC-1")
	require.NoError(t, err)
	assert.Len(t, decode[[]domain.PipelineState](t, runs), 2)
}

func TestResume_WithoutPreviousRun(t *testing.T) {
	e := newEnv(t)

	_, _, err := e.exec(t, testutil.NewFakeLauncher(), "resume", "SPEC-9", "--from", "plan")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.False(t, IsReported(err))
}

func TestResume_InvalidStage(t *testing.T) {
	e := newEnv(t)

	_, _, err := e.exec(t, testutil.NewFakeLauncher(), "resume", "SPEC-1", "--from", "deploy")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid --from")
}

func TestStatus_ShowsRun(t *testing.T) {
	e := newEnv(t)

	out, _, err := e.exec(t, testutil.NewFakeLauncher(), "--format", "json", "run", "SPEC-1")
	require.NoError(t, err)
	runID := decode[domain.PipelineState](t, out).RunID

	stdout, _, err := e.exec(t, nil, "status", runID)
	require.NoError(t, err)
	assert.Contains(t, stdout, runID)
	assert.Contains(t, stdout, "completed=6")
	assert.Contains(t, stdout, "Syntheses")

	stdout, _, err = e.exec(t, nil, "--format", "json", "status", runID)
	require.NoError(t, err)
	view := decode[runView](t, stdout)
	assert.Equal(t, runID, view.State.RunID)
	assert.Len(t, view.Agents, 6)
	assert.Len(t, view.Syntheses, 2)
}

type runView struct {
	State     domain.PipelineState     `json:"state"`
	Agents    []domain.AgentExecution  `json:"agents"`
	Syntheses []domain.ConsensusResult `json:"syntheses"`
}

func TestStatus_UnknownRun(t *testing.T) {
	e := newEnv(t)

	_, _, err := e.exec(t, nil, "status", "run-missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load run")
}

func TestAgents_ByRunAndStage(t *testing.T) {
	e := newEnv(t)

	out, _, err := e.exec(t, failPlan(testutil.NewFakeLauncher(), "c"), "--format", "json", "run", "SPEC-1")
	require.NoError(t, err)
	runID := decode[domain.PipelineState](t, out).RunID

	stdout, _, err := e.exec(t, nil, "--format", "json", "agents", "--run", runID)
	require.NoError(t, err)
	assert.Len(t, decode[[]domain.AgentExecution](t, stdout), 6)

	stdout, _, err = e.exec(t, nil, "--format", "json", "agents", "--spec", "SPEC-1", "--stage", "plan")
	require.NoError(t, err)
	plan := decode[[]domain.AgentExecution](t, stdout)
	require.Len(t, plan, 3)

	stdout, _, err = e.exec(t, nil, "agents", "--spec", "SPEC-1", "--stage", "plan")
	require.NoError(t, err)
	assert.Contains(t, stdout, "failed")
	assert.Contains(t, stdout, "not_authenticated: login required")
}

func TestAgents_FlagRules(t *testing.T) {
	e := newEnv(t)

	_, _, err := e.exec(t, nil, "agents")
	require.Error(t, err)

	_, _, err = e.exec(t, nil, "agents", "--spec", "SPEC-1")
	require.Error(t, err)

	_, _, err = e.exec(t, nil, "agents", "--spec", "SPEC-1", "--stage", "deploy")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRuns_Empty(t *testing.T) {
	e := newEnv(t)

	stdout, _, err := e.exec(t, nil, "runs")
	require.NoError(t, err)
	assert.Equal(t, "No runs.\n", stdout)
}

func TestDatabaseFlagOverridesConfig(t *testing.T) {
	e := newEnv(t)
	db := filepath.Join(e.dir, "other", "override.db")

	_, _, err := e.exec(t, testutil.NewFakeLauncher(), "--db", db, "run", "SPEC-1")
	require.NoError(t, err)

	_, err = os.Stat(db)
	require.NoError(t, err)

	stdout, _, err := e.exec(t, nil, "--format", "json", "runs")
	require.NoError(t, err)
	assert.Empty(t, decode[[]domain.PipelineState](t, stdout))
}
