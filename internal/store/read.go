package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/speckit/internal/domain"
)

const executionColumns = `
	agent_id, run_id, spec_id, stage, phase_type, agent_name, provider,
	slot, attempt, state, spawned_at, completed_at, raw_output,
	error_class, error_message, seq`

// GetExecution returns one agent execution by id, or ErrNotFound.
func (s *Store) GetExecution(ctx context.Context, agentID string) (domain.AgentExecution, error) {
	return read(ctx, s, "get execution", func(ctx context.Context) (domain.AgentExecution, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+executionColumns+` FROM agent_executions WHERE agent_id = ?`, agentID)
		exec, err := scanExecution(row)
		if errors.Is(err, sql.ErrNoRows) {
			return exec, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return exec, err
	})
}

// QueryByRun returns every execution recorded under runID.
// Results are ordered deterministically: ORDER BY seq ASC, agent_id COLLATE BINARY ASC.
//
// Returns an empty slice (not nil) if the run has no rows.
func (s *Store) QueryByRun(ctx context.Context, runID string) ([]domain.AgentExecution, error) {
	return s.queryExecutions(ctx, "query by run", `
		SELECT `+executionColumns+`
		FROM agent_executions
		WHERE run_id = ?
		ORDER BY seq ASC, agent_id COLLATE BINARY ASC
	`, runID)
}

// QueryBySpecStage returns every execution for a spec and stage across all
// runs. Collection for synthesis must not use this; it exists for audit
// listings.
func (s *Store) QueryBySpecStage(ctx context.Context, specID string, stage domain.Stage) ([]domain.AgentExecution, error) {
	return s.queryExecutions(ctx, "query by spec stage", `
		SELECT `+executionColumns+`
		FROM agent_executions
		WHERE spec_id = ? AND stage = ?
		ORDER BY seq ASC, agent_id COLLATE BINARY ASC
	`, specID, string(stage))
}

// QueryOpen returns executions of runID that have no completion.
func (s *Store) QueryOpen(ctx context.Context, runID string) ([]domain.AgentExecution, error) {
	return s.queryExecutions(ctx, "query open", `
		SELECT `+executionColumns+`
		FROM agent_executions
		WHERE run_id = ? AND completed_at IS NULL
		ORDER BY seq ASC, agent_id COLLATE BINARY ASC
	`, runID)
}

func (s *Store) queryExecutions(ctx context.Context, op, query string, args ...any) ([]domain.AgentExecution, error) {
	return read(ctx, s, op, func(ctx context.Context) ([]domain.AgentExecution, error) {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("query executions: %w", err)
		}
		defer rows.Close()

		execs := []domain.AgentExecution{}
		for rows.Next() {
			exec, err := scanExecution(rows)
			if err != nil {
				return nil, err
			}
			execs = append(execs, exec)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate executions: %w", err)
		}
		return execs, nil
	})
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (domain.AgentExecution, error) {
	var (
		exec        domain.AgentExecution
		stage       string
		phase       string
		state       string
		spawnedAt   string
		completedAt sql.NullString
		rawOutput   sql.NullString
	)
	err := row.Scan(
		&exec.AgentID,
		&exec.RunID,
		&exec.SpecID,
		&stage,
		&phase,
		&exec.AgentName,
		&exec.Provider,
		&exec.Slot,
		&exec.Attempt,
		&state,
		&spawnedAt,
		&completedAt,
		&rawOutput,
		&exec.ErrorClass,
		&exec.ErrorMessage,
		&exec.Seq,
	)
	if err != nil {
		return exec, err
	}
	exec.Stage = domain.Stage(stage)
	exec.PhaseType = domain.PhaseType(phase)
	exec.State = domain.AgentState(state)
	exec.RawOutput = stringPtr(rawOutput)
	if exec.SpawnedAt, err = parseTime(spawnedAt); err != nil {
		return exec, err
	}
	if exec.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return exec, err
	}
	return exec, nil
}

const synthesisColumns = `
	spec_id, stage, run_id, phase_type, checkpoint, degraded,
	participant_count, expected_count, participants, missing_agents,
	agreements, conflicts, output_markdown, output_path, created_at`

// LatestSynthesis returns the most recent regular-stage synthesis for a spec
// and stage, or ErrNotFound.
func (s *Store) LatestSynthesis(ctx context.Context, specID string, stage domain.Stage) (domain.ConsensusResult, error) {
	return read(ctx, s, "latest synthesis", func(ctx context.Context) (domain.ConsensusResult, error) {
		row := s.db.QueryRowContext(ctx, `
			SELECT `+synthesisColumns+`
			FROM consensus_synthesis
			WHERE spec_id = ? AND stage = ? AND phase_type = ?
			ORDER BY seq DESC
			LIMIT 1
		`, specID, string(stage), string(domain.PhaseRegular))
		r, err := scanSynthesis(row)
		if errors.Is(err, sql.ErrNoRows) {
			return r, fmt.Errorf("synthesis %s/%s: %w", specID, stage, ErrNotFound)
		}
		return r, err
	})
}

// SynthesesByRun returns every synthesis of a run, gates included, in the
// order they were recorded.
func (s *Store) SynthesesByRun(ctx context.Context, runID string) ([]domain.ConsensusResult, error) {
	return read(ctx, s, "syntheses by run", func(ctx context.Context) ([]domain.ConsensusResult, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+synthesisColumns+`
			FROM consensus_synthesis
			WHERE run_id = ?
			ORDER BY seq ASC, id ASC
		`, runID)
		if err != nil {
			return nil, fmt.Errorf("query syntheses: %w", err)
		}
		defer rows.Close()

		results := []domain.ConsensusResult{}
		for rows.Next() {
			r, err := scanSynthesis(rows)
			if err != nil {
				return nil, err
			}
			results = append(results, r)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate syntheses: %w", err)
		}
		return results, nil
	})
}

func scanSynthesis(row scanner) (domain.ConsensusResult, error) {
	var (
		r                                            domain.ConsensusResult
		stage, phase, checkpoint, createdAt          string
		participants, missing, agreements, conflicts string
	)
	err := row.Scan(
		&r.SpecID,
		&stage,
		&r.RunID,
		&phase,
		&checkpoint,
		&r.Degraded,
		&r.ParticipantCount,
		&r.ExpectedCount,
		&participants,
		&missing,
		&agreements,
		&conflicts,
		&r.OutputMarkdown,
		&r.OutputPath,
		&createdAt,
	)
	if err != nil {
		return r, err
	}
	r.Stage = domain.Stage(stage)
	r.PhaseType = domain.PhaseType(phase)
	r.Checkpoint = domain.Checkpoint(checkpoint)
	for _, f := range []struct {
		dst  *[]string
		data string
	}{
		{&r.Participants, participants},
		{&r.MissingAgents, missing},
		{&r.Agreements, agreements},
		{&r.Conflicts, conflicts},
	} {
		if *f.dst, err = unmarshalList(f.data); err != nil {
			return r, err
		}
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, err
	}
	return r, nil
}

const runColumns = `
	run_id, spec_id, status, current_stage_index, current_stage,
	resumed_from_run, halt_reason, started_at, updated_at`

// LoadPipelineState returns the run row with its stage history, or
// ErrNotFound.
func (s *Store) LoadPipelineState(ctx context.Context, runID string) (domain.PipelineState, error) {
	return read(ctx, s, "load pipeline state", func(ctx context.Context) (domain.PipelineState, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM pipeline_runs WHERE run_id = ?`, runID)
		st, err := scanRun(row)
		if errors.Is(err, sql.ErrNoRows) {
			return st, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		if err != nil {
			return st, err
		}
		st.StageHistory, err = s.stageHistory(ctx, runID)
		return st, err
	})
}

// LatestRunForSpec returns the most recently updated run of a spec, or
// ErrNotFound.
func (s *Store) LatestRunForSpec(ctx context.Context, specID string) (domain.PipelineState, error) {
	return read(ctx, s, "latest run", func(ctx context.Context) (domain.PipelineState, error) {
		row := s.db.QueryRowContext(ctx, `
			SELECT `+runColumns+`
			FROM pipeline_runs
			WHERE spec_id = ?
			ORDER BY seq DESC
			LIMIT 1
		`, specID)
		st, err := scanRun(row)
		if errors.Is(err, sql.ErrNoRows) {
			return st, fmt.Errorf("runs for %s: %w", specID, ErrNotFound)
		}
		if err != nil {
			return st, err
		}
		st.StageHistory, err = s.stageHistory(ctx, st.RunID)
		return st, err
	})
}

// ListRuns returns runs ordered by last update, newest first. An empty
// specID lists every spec. Stage history is not loaded.
func (s *Store) ListRuns(ctx context.Context, specID string, limit int) ([]domain.PipelineState, error) {
	if limit <= 0 {
		limit = 50
	}
	return read(ctx, s, "list runs", func(ctx context.Context) ([]domain.PipelineState, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+runColumns+`
			FROM pipeline_runs
			WHERE ? = '' OR spec_id = ?
			ORDER BY seq DESC, run_id COLLATE BINARY ASC
			LIMIT ?
		`, specID, specID, limit)
		if err != nil {
			return nil, fmt.Errorf("query runs: %w", err)
		}
		defer rows.Close()

		runs := []domain.PipelineState{}
		for rows.Next() {
			st, err := scanRun(rows)
			if err != nil {
				return nil, err
			}
			st.StageHistory = []domain.StageRecord{}
			runs = append(runs, st)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate runs: %w", err)
		}
		return runs, nil
	})
}

func (s *Store) stageHistory(ctx context.Context, runID string) ([]domain.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, checkpoint, outcome, participants, expected, detail, completed_at
		FROM stage_history
		WHERE run_id = ?
		ORDER BY seq ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage history: %w", err)
	}
	defer rows.Close()

	history := []domain.StageRecord{}
	for rows.Next() {
		var (
			rec                            domain.StageRecord
			stage, checkpoint, outcome, at string
		)
		if err := rows.Scan(&stage, &checkpoint, &outcome, &rec.Participants, &rec.Expected, &rec.Detail, &at); err != nil {
			return nil, err
		}
		rec.Stage = domain.Stage(stage)
		rec.Checkpoint = domain.Checkpoint(checkpoint)
		rec.Outcome = domain.StageOutcome(outcome)
		if rec.CompletedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		history = append(history, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage history: %w", err)
	}
	return history, nil
}

func scanRun(row scanner) (domain.PipelineState, error) {
	var (
		st                                domain.PipelineState
		status, stage, startedAt, updated string
	)
	err := row.Scan(
		&st.RunID,
		&st.SpecID,
		&status,
		&st.CurrentStageIndex,
		&stage,
		&st.ResumedFromRun,
		&st.HaltReason,
		&startedAt,
		&updated,
	)
	if err != nil {
		return st, err
	}
	st.Status = domain.PipelineStatus(status)
	st.CurrentStage = domain.Stage(stage)
	if st.StartedAt, err = parseTime(startedAt); err != nil {
		return st, err
	}
	if st.UpdatedAt, err = parseTime(updated); err != nil {
		return st, err
	}
	return st, nil
}
