package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/store"
)

const executionColumns = `agent_id, run_id, spec_id, stage, phase_type, agent_name, provider,
	slot, attempt, state, spawned_at, completed_at, raw_output, error_class, error_message, seq`

const insertExecutionQuery = `INSERT INTO agent_executions (
		agent_id, run_id, spec_id, stage, phase_type, agent_name, provider,
		slot, attempt, state, spawned_at, seq
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,nextval('speckit_seq'))
	ON CONFLICT (agent_id) DO NOTHING
	RETURNING seq`

// RecordSpawn inserts a new execution row and returns it with Seq assigned.
// A replayed spawn returns the stored row.
func (s *Store) RecordSpawn(ctx context.Context, exec domain.AgentExecution) (domain.AgentExecution, error) {
	if err := store.ValidateExecution(exec); err != nil {
		return exec, fmt.Errorf("record spawn: %w", err)
	}
	if exec.State == "" {
		exec.State = domain.AgentQueued
	}
	if exec.PhaseType == "" {
		exec.PhaseType = domain.PhaseRegular
	}

	inserted := true
	err := s.write(ctx, "record spawn", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, insertExecutionQuery,
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
			exec.SpawnedAt.UTC(),
		).Scan(&exec.Seq)
		if errors.Is(err, sql.ErrNoRows) {
			inserted = false
			return nil
		}
		return err
	})
	if err != nil {
		return exec, err
	}
	if !inserted {
		return s.GetExecution(ctx, exec.AgentID)
	}
	return exec, nil
}

func (s *Store) MarkRunning(ctx context.Context, agentID string) error {
	return s.setOpenState(ctx, "mark running", agentID, domain.AgentRunning)
}

func (s *Store) setOpenState(ctx context.Context, op, agentID string, state domain.AgentState) error {
	return s.write(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE agent_executions SET state = $1 WHERE agent_id = $2 AND completed_at IS NULL`,
			string(state), agentID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n > 0 {
			return err
		}
		return rowExists(ctx, tx, agentID)
	})
}

// RecordCompletion sets the terminal state of an open execution. Returns
// recorded=false when the row was already complete.
func (s *Store) RecordCompletion(ctx context.Context, agentID string, c domain.Completion) (bool, error) {
	if !c.State.IsTerminal() {
		return false, fmt.Errorf("record completion: %w",
			&store.ValidationError{Field: "state", Reason: fmt.Sprintf("%s is not terminal", c.State)})
	}
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now()
	}

	var recorded bool
	err := s.write(ctx, "record completion", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE agent_executions
			SET state = $1, completed_at = $2, raw_output = $3, error_class = $4, error_message = $5
			WHERE agent_id = $6 AND completed_at IS NULL`,
			string(c.State),
			c.CompletedAt.UTC(),
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
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM agent_executions WHERE agent_id = $1`, agentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	return err
}

func (s *Store) GetExecution(ctx context.Context, agentID string) (domain.AgentExecution, error) {
	return read(ctx, s, "get execution", func(ctx context.Context) (domain.AgentExecution, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+executionColumns+` FROM agent_executions WHERE agent_id = $1`, agentID)
		exec, err := scanExecution(row)
		if errors.Is(err, sql.ErrNoRows) {
			return exec, fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
		}
		return exec, err
	})
}

func (s *Store) QueryByRun(ctx context.Context, runID string) ([]domain.AgentExecution, error) {
	return s.queryExecutions(ctx, "query by run", `SELECT `+executionColumns+`
		FROM agent_executions WHERE run_id = $1
		ORDER BY seq ASC, agent_id COLLATE "C" ASC`, runID)
}

func (s *Store) QueryBySpecStage(ctx context.Context, specID string, stage domain.Stage) ([]domain.AgentExecution, error) {
	return s.queryExecutions(ctx, "query by spec stage", `SELECT `+executionColumns+`
		FROM agent_executions WHERE spec_id = $1 AND stage = $2
		ORDER BY seq ASC, agent_id COLLATE "C" ASC`, specID, string(stage))
}

func (s *Store) QueryOpen(ctx context.Context, runID string) ([]domain.AgentExecution, error) {
	return s.queryExecutions(ctx, "query open", `SELECT `+executionColumns+`
		FROM agent_executions WHERE run_id = $1 AND completed_at IS NULL
		ORDER BY seq ASC, agent_id COLLATE "C" ASC`, runID)
}

// RecoverOrphans marks open rows of runID failed with class "orphaned".
func (s *Store) RecoverOrphans(ctx context.Context, runID string, at time.Time) (int, error) {
	var closed int64
	err := s.write(ctx, "recover orphans", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE agent_executions
			SET state = $1, completed_at = $2, error_class = $3, error_message = $4
			WHERE run_id = $5 AND completed_at IS NULL`,
			string(domain.AgentFailed), at.UTC(), store.OrphanedClass,
			"process exited before the agent completed", runID)
		if err != nil {
			return err
		}
		closed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if closed > 0 {
		s.logger.Info("recovered orphaned executions", "run_id", runID, "count", closed)
	}
	return int(closed), nil
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

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (domain.AgentExecution, error) {
	var (
		exec                domain.AgentExecution
		stage, phase, state string
		completedAt         sql.NullTime
		rawOutput           sql.NullString
	)
	err := row.Scan(
		&exec.AgentID, &exec.RunID, &exec.SpecID, &stage, &phase, &exec.AgentName, &exec.Provider,
		&exec.Slot, &exec.Attempt, &state, &exec.SpawnedAt, &completedAt, &rawOutput,
		&exec.ErrorClass, &exec.ErrorMessage, &exec.Seq,
	)
	if err != nil {
		return exec, err
	}
	exec.Stage = domain.Stage(stage)
	exec.PhaseType = domain.PhaseType(phase)
	exec.State = domain.AgentState(state)
	exec.SpawnedAt = exec.SpawnedAt.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		exec.CompletedAt = &t
	}
	if rawOutput.Valid {
		v := rawOutput.String
		exec.RawOutput = &v
	}
	return exec, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
