package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/speckit/internal/domain"
)

// OrphanedClass is the error_class written to rows closed by RecoverOrphans.
const OrphanedClass = "orphaned"

// RunState summarizes a run for recovery purposes.
type RunState struct {
	RunID      string
	Executions []domain.AgentExecution
	Syntheses  []domain.ConsensusResult
	LastSeq    int64
	OpenCount  int  // Executions without a completion (crash indicator)
	IsComplete bool // True if every execution has completed
}

// GetRunState retrieves every row of a run with an analysis of what is
// still open.
func (s *Store) GetRunState(ctx context.Context, runID string) (RunState, error) {
	state := RunState{RunID: runID}

	execs, err := s.QueryByRun(ctx, runID)
	if err != nil {
		return state, fmt.Errorf("get run state: %w", err)
	}
	state.Executions = execs

	syntheses, err := s.SynthesesByRun(ctx, runID)
	if err != nil {
		return state, fmt.Errorf("get run state: %w", err)
	}
	state.Syntheses = syntheses

	for _, e := range execs {
		if e.CompletedAt == nil {
			state.OpenCount++
		}
		if e.Seq > state.LastSeq {
			state.LastSeq = e.Seq
		}
	}
	state.IsComplete = state.OpenCount == 0
	return state, nil
}

// RecoverOrphans closes rows of runID that were spawned but never completed,
// typically because the process crashed. They are marked failed with class
// "orphaned". Returns the number of rows closed.
func (s *Store) RecoverOrphans(ctx context.Context, runID string, at time.Time) (int, error) {
	var closed int64
	err := s.write(ctx, "recover orphans", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE agent_executions
			SET state = ?, completed_at = ?, error_class = ?, error_message = ?
			WHERE run_id = ? AND completed_at IS NULL
		`,
			string(domain.AgentFailed),
			formatTime(at),
			OrphanedClass,
			"process exited before the agent completed",
			runID,
		)
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
