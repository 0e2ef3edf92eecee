package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/store"
)

const synthesisColumns = `spec_id, stage, run_id, phase_type, checkpoint, degraded,
	participant_count, expected_count, participants, missing_agents,
	agreements, conflicts, output_markdown, output_path, created_at`

func (s *Store) RecordSynthesis(ctx context.Context, r domain.ConsensusResult) (bool, error) {
	if r.SpecID == "" || r.RunID == "" || r.Stage == "" {
		return false, fmt.Errorf("record synthesis: %w",
			&store.ValidationError{Field: "key", Reason: "spec_id, stage and run_id are required"})
	}
	if r.PhaseType == "" {
		r.PhaseType = domain.PhaseRegular
	}
	lists := make([]string, 0, 4)
	for _, l := range [][]string{r.Participants, r.MissingAgents, r.Agreements, r.Conflicts} {
		if l == nil {
			l = []string{}
		}
		data, err := json.Marshal(l)
		if err != nil {
			return false, fmt.Errorf("record synthesis: %w", err)
		}
		lists = append(lists, string(data))
	}

	var recorded bool
	err := s.write(ctx, "record synthesis", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO consensus_synthesis (
				spec_id, stage, run_id, phase_type, checkpoint, status, degraded,
				participant_count, expected_count, participants, missing_agents,
				agreements, conflicts, output_markdown, output_path, created_at, seq
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,nextval('speckit_seq'))
			ON CONFLICT (spec_id, stage, run_id, phase_type) DO NOTHING`,
			r.SpecID, string(r.Stage), r.RunID, string(r.PhaseType), string(r.Checkpoint),
			string(r.Status()), r.Degraded, r.ParticipantCount, r.ExpectedCount,
			lists[0], lists[1], lists[2], lists[3],
			r.OutputMarkdown, r.OutputPath, r.CreatedAt.UTC(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		recorded = n == 1
		return err
	})
	return recorded, err
}

func (s *Store) SetSynthesisOutputPath(ctx context.Context, specID string, stage domain.Stage, runID string, phase domain.PhaseType, path string) error {
	return s.write(ctx, "set output path", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE consensus_synthesis SET output_path = $1
			WHERE spec_id = $2 AND stage = $3 AND run_id = $4 AND phase_type = $5`,
			path, specID, string(stage), runID, string(phase))
		return err
	})
}

func (s *Store) LatestSynthesis(ctx context.Context, specID string, stage domain.Stage) (domain.ConsensusResult, error) {
	return read(ctx, s, "latest synthesis", func(ctx context.Context) (domain.ConsensusResult, error) {
		row := s.db.QueryRowContext(ctx, `SELECT `+synthesisColumns+`
			FROM consensus_synthesis
			WHERE spec_id = $1 AND stage = $2 AND phase_type = $3
			ORDER BY seq DESC LIMIT 1`, specID, string(stage), string(domain.PhaseRegular))
		r, err := scanSynthesis(row)
		if errors.Is(err, sql.ErrNoRows) {
			return r, fmt.Errorf("synthesis %s/%s: %w", specID, stage, store.ErrNotFound)
		}
		return r, err
	})
}

func (s *Store) SynthesesByRun(ctx context.Context, runID string) ([]domain.ConsensusResult, error) {
	return read(ctx, s, "syntheses by run", func(ctx context.Context) ([]domain.ConsensusResult, error) {
		rows, err := s.db.QueryContext(ctx, `SELECT `+synthesisColumns+`
			FROM consensus_synthesis WHERE run_id = $1 ORDER BY seq ASC, id ASC`, runID)
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
		return results, rows.Err()
	})
}

func scanSynthesis(row scanner) (domain.ConsensusResult, error) {
	var (
		r                                            domain.ConsensusResult
		stage, phase, checkpoint                     string
		participants, missing, agreements, conflicts []byte
	)
	err := row.Scan(
		&r.SpecID, &stage, &r.RunID, &phase, &checkpoint, &r.Degraded,
		&r.ParticipantCount, &r.ExpectedCount, &participants, &missing,
		&agreements, &conflicts, &r.OutputMarkdown, &r.OutputPath, &r.CreatedAt,
	)
	if err != nil {
		return r, err
	}
	r.Stage = domain.Stage(stage)
	r.PhaseType = domain.PhaseType(phase)
	r.Checkpoint = domain.Checkpoint(checkpoint)
	r.CreatedAt = r.CreatedAt.UTC()
	for _, f := range []struct {
		dst  *[]string
		data []byte
	}{
		{&r.Participants, participants},
		{&r.MissingAgents, missing},
		{&r.Agreements, agreements},
		{&r.Conflicts, conflicts},
	} {
		list := []string{}
		if err := json.Unmarshal(f.data, &list); err != nil {
			return r, fmt.Errorf("unmarshal list: %w", err)
		}
		if list == nil {
			list = []string{}
		}
		*f.dst = list
	}
	return r, nil
}

func (s *Store) SavePipelineState(ctx context.Context, st domain.PipelineState) error {
	if st.RunID == "" || st.SpecID == "" {
		return fmt.Errorf("save pipeline state: %w",
			&store.ValidationError{Field: "run", Reason: "run_id and spec_id are required"})
	}
	return s.write(ctx, "save pipeline state", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO pipeline_runs (
				run_id, spec_id, status, current_stage_index, current_stage,
				resumed_from_run, halt_reason, started_at, updated_at, seq
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,nextval('speckit_seq'))
			ON CONFLICT (run_id) DO UPDATE SET
				status = EXCLUDED.status,
				current_stage_index = EXCLUDED.current_stage_index,
				current_stage = EXCLUDED.current_stage,
				halt_reason = EXCLUDED.halt_reason,
				updated_at = EXCLUDED.updated_at,
				seq = EXCLUDED.seq`,
			st.RunID, st.SpecID, string(st.Status), st.CurrentStageIndex, string(st.CurrentStage),
			st.ResumedFromRun, st.HaltReason, st.StartedAt.UTC(), st.UpdatedAt.UTC(),
		)
		return err
	})
}

func (s *Store) AppendStageRecord(ctx context.Context, runID string, rec domain.StageRecord) error {
	return s.write(ctx, "append stage record", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO stage_history (
				run_id, stage, checkpoint, outcome, participants, expected, detail, completed_at, seq
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,nextval('speckit_seq'))`,
			runID, string(rec.Stage), string(rec.Checkpoint), string(rec.Outcome),
			rec.Participants, rec.Expected, rec.Detail, rec.CompletedAt.UTC(),
		)
		return err
	})
}

const runColumns = `run_id, spec_id, status, current_stage_index, current_stage,
	resumed_from_run, halt_reason, started_at, updated_at`

func (s *Store) LoadPipelineState(ctx context.Context, runID string) (domain.PipelineState, error) {
	return read(ctx, s, "load pipeline state", func(ctx context.Context) (domain.PipelineState, error) {
		st, err := scanRun(s.db.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM pipeline_runs WHERE run_id = $1`, runID))
		if errors.Is(err, sql.ErrNoRows) {
			return st, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
		}
		if err != nil {
			return st, err
		}
		st.StageHistory, err = s.stageHistory(ctx, runID)
		return st, err
	})
}

func (s *Store) LatestRunForSpec(ctx context.Context, specID string) (domain.PipelineState, error) {
	return read(ctx, s, "latest run", func(ctx context.Context) (domain.PipelineState, error) {
		st, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+`
			FROM pipeline_runs WHERE spec_id = $1 ORDER BY seq DESC LIMIT 1`, specID))
		if errors.Is(err, sql.ErrNoRows) {
			return st, fmt.Errorf("runs for %s: %w", specID, store.ErrNotFound)
		}
		if err != nil {
			return st, err
		}
		st.StageHistory, err = s.stageHistory(ctx, st.RunID)
		return st, err
	})
}

func (s *Store) ListRuns(ctx context.Context, specID string, limit int) ([]domain.PipelineState, error) {
	if limit <= 0 {
		limit = 50
	}
	return read(ctx, s, "list runs", func(ctx context.Context) ([]domain.PipelineState, error) {
		rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+`
			FROM pipeline_runs WHERE $1 = '' OR spec_id = $1
			ORDER BY seq DESC LIMIT $2`, specID, limit)
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
		return runs, rows.Err()
	})
}

func (s *Store) stageHistory(ctx context.Context, runID string) ([]domain.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, checkpoint, outcome, participants, expected, detail, completed_at
		FROM stage_history WHERE run_id = $1 ORDER BY seq ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage history: %w", err)
	}
	defer rows.Close()

	history := []domain.StageRecord{}
	for rows.Next() {
		var (
			rec                        domain.StageRecord
			stage, checkpoint, outcome string
		)
		if err := rows.Scan(&stage, &checkpoint, &outcome, &rec.Participants, &rec.Expected, &rec.Detail, &rec.CompletedAt); err != nil {
			return nil, err
		}
		rec.Stage = domain.Stage(stage)
		rec.Checkpoint = domain.Checkpoint(checkpoint)
		rec.Outcome = domain.StageOutcome(outcome)
		rec.CompletedAt = rec.CompletedAt.UTC()
		history = append(history, rec)
	}
	return history, rows.Err()
}

func scanRun(row scanner) (domain.PipelineState, error) {
	var (
		st            domain.PipelineState
		status, stage string
	)
	err := row.Scan(&st.RunID, &st.SpecID, &status, &st.CurrentStageIndex, &stage,
		&st.ResumedFromRun, &st.HaltReason, &st.StartedAt, &st.UpdatedAt)
	if err != nil {
		return st, err
	}
	st.Status = domain.PipelineStatus(status)
	st.CurrentStage = domain.Stage(stage)
	st.StartedAt = st.StartedAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}
