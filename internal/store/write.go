package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/retry"
)

// ValidationError reports a row that cannot be written as given.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Classify() retry.Classification {
	return retry.Classification{Class: retry.Permanent, Reason: "validation"}
}

func (e *ValidationError) SuggestedBackoff() (time.Duration, bool) { return 0, false }

// ValidateExecution checks the fields every backend requires on spawn.
func ValidateExecution(exec domain.AgentExecution) error {
	switch {
	case exec.AgentID == "":
		return &ValidationError{Field: "agent_id", Reason: "empty"}
	case exec.RunID == "":
		return &ValidationError{Field: "run_id", Reason: "empty"}
	case exec.SpecID == "":
		return &ValidationError{Field: "spec_id", Reason: "empty"}
	case exec.AgentName == "":
		return &ValidationError{Field: "agent_name", Reason: "empty"}
	case exec.Attempt < 1:
		return &ValidationError{Field: "attempt", Reason: "must be >= 1"}
	case exec.State.IsTerminal():
		return &ValidationError{Field: "state", Reason: fmt.Sprintf("spawn cannot be %s", exec.State)}
	}
	return nil
}

// RecordSpawn inserts a new agent execution row and returns it with Seq
// assigned. Uses ON CONFLICT(agent_id) DO NOTHING so a replayed spawn is a
// no-op; the row already stored is returned in that case.
func (s *Store) RecordSpawn(ctx context.Context, exec domain.AgentExecution) (domain.AgentExecution, error) {
	if err := ValidateExecution(exec); err != nil {
		return exec, fmt.Errorf("record spawn: %w", err)
	}
	if exec.State == "" {
		exec.State = domain.AgentQueued
	}
	if exec.PhaseType == "" {
		exec.PhaseType = domain.PhaseRegular
	}
	exec.Seq = s.clock.Next()

	var inserted bool
	err := s.write(ctx, "record spawn", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO agent_executions
			(agent_id, run_id, spec_id, stage, phase_type, agent_name, provider,
			 slot, attempt, state, spawned_at, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO NOTHING
		`,
			exec.AgentID,
			exec.RunID,
			exec.SpecID,
			string(exec.Stage),
			string(exec.PhaseType),
			exec.AgentName,
			exec.Provider,
			exec.Slot,
			exec.Attempt,
			string(exec.State),
			formatTime(exec.SpawnedAt),
			exec.Seq,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		return nil
	})
	if err != nil {
		return exec, err
	}
	if !inserted {
		return s.GetExecution(ctx, exec.AgentID)
	}
	return exec, nil
}

// MarkRunning moves an open row to the running state. Rows that are already
// complete are left untouched.
func (s *Store) MarkRunning(ctx context.Context, agentID string) error {
	return s.setOpenState(ctx, "mark running", agentID, domain.AgentRunning)
}

func (s *Store) setOpenState(ctx context.Context, op, agentID string, state domain.AgentState) error {
	return s.write(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE agent_executions SET state = ?
			WHERE agent_id = ? AND completed_at IS NULL
		`, string(state), agentID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return rowExists(ctx, tx, agentID)
		}
		return nil
	})
}

// RecordCompletion sets the terminal state of an execution. Only rows whose
// completed_at is still NULL are updated, which keeps completed rows
// immutable. Returns recorded=false when the row was already complete.
//
// Duplicate notifications are expected to be filtered by the caller; this
// guard only protects the persisted row.
func (s *Store) RecordCompletion(ctx context.Context, agentID string, c domain.Completion) (bool, error) {
	if !c.State.IsTerminal() {
		return false, fmt.Errorf("record completion: %w",
			&ValidationError{Field: "state", Reason: fmt.Sprintf("%s is not terminal", c.State)})
	}
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now()
	}

	var recorded bool
	err := s.write(ctx, "record completion", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE agent_executions
			SET state = ?, completed_at = ?, raw_output = ?, error_class = ?, error_message = ?
			WHERE agent_id = ? AND completed_at IS NULL
		`,
			string(c.State),
			formatTime(c.CompletedAt),
			nullString(c.RawOutput),
			c.ErrorClass,
			c.ErrorMessage,
			agentID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			recorded = true
			return nil
		}
		return rowExists(ctx, tx, agentID)
	})
	return recorded, err
}

func rowExists(ctx context.Context, tx *sql.Tx, agentID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM agent_executions WHERE agent_id = ?`, agentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return err
}

// RecordSynthesis inserts a consensus result. There is at most one row per
// (spec, stage, run, phase); a second write for the same key is ignored and
// reported as recorded=false.
func (s *Store) RecordSynthesis(ctx context.Context, r domain.ConsensusResult) (bool, error) {
	if r.SpecID == "" || r.RunID == "" || r.Stage == "" {
		return false, fmt.Errorf("record synthesis: %w",
			&ValidationError{Field: "key", Reason: "spec_id, stage and run_id are required"})
	}
	if r.PhaseType == "" {
		r.PhaseType = domain.PhaseRegular
	}

	lists := make([]string, 0, 4)
	for _, l := range [][]string{r.Participants, r.MissingAgents, r.Agreements, r.Conflicts} {
		data, err := marshalList(l)
		if err != nil {
			return false, fmt.Errorf("record synthesis: %w", err)
		}
		lists = append(lists, data)
	}

	seq := s.clock.Next()
	var recorded bool
	err := s.write(ctx, "record synthesis", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO consensus_synthesis
			(spec_id, stage, run_id, phase_type, checkpoint, status, degraded,
			 participant_count, expected_count, participants, missing_agents,
			 agreements, conflicts, output_markdown, output_path, created_at, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(spec_id, stage, run_id, phase_type) DO NOTHING
		`,
			r.SpecID,
			string(r.Stage),
			r.RunID,
			string(r.PhaseType),
			string(r.Checkpoint),
			string(r.Status()),
			r.Degraded,
			r.ParticipantCount,
			r.ExpectedCount,
			lists[0],
			lists[1],
			lists[2],
			lists[3],
			r.OutputMarkdown,
			r.OutputPath,
			formatTime(r.CreatedAt),
			seq,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		recorded = n == 1
		return nil
	})
	return recorded, err
}

// SetSynthesisOutputPath records where the artifact writer placed the
// markdown. This is the only column updated after insert.
func (s *Store) SetSynthesisOutputPath(ctx context.Context, specID string, stage domain.Stage, runID string, phase domain.PhaseType, path string) error {
	return s.write(ctx, "set output path", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE consensus_synthesis SET output_path = ?
			WHERE spec_id = ? AND stage = ? AND run_id = ? AND phase_type = ?
		`, path, specID, string(stage), runID, string(phase))
		return err
	})
}

// SavePipelineState upserts the run row. Stage history is appended
// separately with AppendStageRecord.
func (s *Store) SavePipelineState(ctx context.Context, st domain.PipelineState) error {
	if st.RunID == "" || st.SpecID == "" {
		return fmt.Errorf("save pipeline state: %w",
			&ValidationError{Field: "run", Reason: "run_id and spec_id are required"})
	}
	seq := s.clock.Next()
	return s.write(ctx, "save pipeline state", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pipeline_runs
			(run_id, spec_id, status, current_stage_index, current_stage,
			 resumed_from_run, halt_reason, started_at, updated_at, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				status = excluded.status,
				current_stage_index = excluded.current_stage_index,
				current_stage = excluded.current_stage,
				halt_reason = excluded.halt_reason,
				updated_at = excluded.updated_at,
				seq = excluded.seq
		`,
			st.RunID,
			st.SpecID,
			string(st.Status),
			st.CurrentStageIndex,
			string(st.CurrentStage),
			st.ResumedFromRun,
			st.HaltReason,
			formatTime(st.StartedAt),
			formatTime(st.UpdatedAt),
			seq,
		)
		return err
	})
}

// AppendStageRecord adds one entry to a run's stage history.
func (s *Store) AppendStageRecord(ctx context.Context, runID string, rec domain.StageRecord) error {
	seq := s.clock.Next()
	return s.write(ctx, "append stage record", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stage_history
			(run_id, stage, checkpoint, outcome, participants, expected, detail, completed_at, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			runID,
			string(rec.Stage),
			string(rec.Checkpoint),
			string(rec.Outcome),
			rec.Participants,
			rec.Expected,
			rec.Detail,
			formatTime(rec.CompletedAt),
			seq,
		)
		return err
	})
}
