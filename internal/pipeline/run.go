package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/speckit/internal/artifact"
	"github.com/roach88/speckit/internal/consensus"
	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/events"
	"github.com/roach88/speckit/internal/orchestrator"
)

// run is the state of one Run or Resume call.
type run struct {
	c      *Coordinator
	st     domain.PipelineState
	logger *slog.Logger
}

// phase is one orchestrated step: a quality gate when checkpoint is set,
// otherwise the stage itself.
type phase struct {
	stage      domain.Stage
	checkpoint domain.Checkpoint
	roster     []orchestrator.AgentSpec
	minimum    int
}

func (p phase) phaseType() domain.PhaseType {
	if p.checkpoint != "" {
		return domain.PhaseQualityGate
	}
	return domain.PhaseRegular
}

func (p phase) names() []string {
	out := make([]string, len(p.roster))
	for i, a := range p.roster {
		out[i] = a.Name
	}
	return out
}

// transition moves the run to status and persists it. On a failed save the
// in-memory status is left unchanged.
func (r *run) transition(ctx context.Context, to domain.PipelineStatus, reason string) error {
	if err := ValidateStatus(r.st.Status, to); err != nil {
		return err
	}
	prev := r.st
	r.st.Status = to
	r.st.HaltReason = reason
	r.st.UpdatedAt = r.c.now()
	if err := r.c.store.SavePipelineState(ctx, r.st); err != nil {
		r.st.Status, r.st.HaltReason = prev.Status, prev.HaltReason
		return fmt.Errorf("save %s state: %w", to, err)
	}
	from := prev.Status
	r.logger.Debug("pipeline transition", "from", from, "to", to)
	r.publish(events.Event{Type: events.PipelineStatus, Stage: r.st.CurrentStage, Status: to, Text: reason})
	r.refresh(ctx)
	return nil
}

// advance records that stage is now current.
func (r *run) advance(ctx context.Context, stage domain.Stage) *HaltError {
	r.st.CurrentStageIndex = stage.Index()
	r.st.CurrentStage = stage
	r.st.UpdatedAt = r.c.now()
	if err := r.c.store.SavePipelineState(ctx, r.st); err != nil {
		return r.storeHalt(ctx, phase{stage: stage}, "could not record stage start", err)
	}
	r.refresh(ctx)
	return nil
}

// phase orchestrates, synthesizes and records one gate or stage.
func (r *run) phase(ctx context.Context, p phase, prior string) (domain.ConsensusResult, *HaltError) {
	started := r.c.now()
	logger := r.logger.With("stage", p.stage)
	if p.checkpoint != "" {
		logger = logger.With("checkpoint", p.checkpoint, "gate", p.checkpoint.Gate())
	}
	r.publish(events.Event{
		Type:       events.StageStarted,
		Stage:      p.stage,
		Checkpoint: p.checkpoint,
		Expected:   len(p.roster),
	})

	res, err := r.c.orch.SpawnStageAgents(ctx, orchestrator.StageRequest{
		SpecID:     r.st.SpecID,
		Stage:      p.stage,
		PhaseType:  p.phaseType(),
		Checkpoint: p.checkpoint,
		RunID:      r.st.RunID,
		Agents:     p.roster,
		Mode:       r.c.settings.Mode,
		Timeout:    r.c.settings.StageTimeout,
		Context:    prior,
	})
	if err != nil {
		if ctx.Err() != nil {
			he := r.haltError(domain.StatusCancelled, p.stage, p.checkpoint, "run cancelled", err)
			if res != nil {
				he.Participants = len(res.Completed)
				he.Expected = res.Expected()
			}
			return domain.ConsensusResult{}, he
		}
		return domain.ConsensusResult{}, r.haltError(domain.StatusCompletedFailure, p.stage, p.checkpoint, "agent orchestration failed", err)
	}

	outputs := make([]consensus.Output, 0, len(res.Completed))
	for _, e := range res.Completed {
		outputs = append(outputs, consensus.Output{AgentName: e.AgentName, AgentID: e.AgentID, Content: e.Output()})
	}
	result, err := r.c.synth.Synthesize(consensus.Request{
		SpecID:          r.st.SpecID,
		Stage:           p.stage,
		RunID:           r.st.RunID,
		PhaseType:       p.phaseType(),
		Checkpoint:      p.checkpoint,
		Expected:        p.names(),
		Threshold:       r.c.settings.Threshold,
		MinParticipants: p.minimum,
		Outputs:         outputs,
	})

	var insufficient *consensus.InsufficientError
	if errors.As(err, &insufficient) {
		reason := insufficient.Error()
		if res.TimedOut {
			reason += "; stage timed out"
		}
		he := r.haltError(domain.StatusPausedForReview, p.stage, p.checkpoint, reason, insufficient)
		he.Participants = insufficient.Participants
		he.Expected = insufficient.Expected
		he.Required = insufficient.Required
		he.Missing = insufficient.Missing
		return domain.ConsensusResult{}, he
	}
	degraded := consensus.IsDegraded(err)
	if err != nil && !degraded {
		return domain.ConsensusResult{}, r.haltError(domain.StatusCompletedFailure, p.stage, p.checkpoint, "synthesis failed", err)
	}

	outcome := domain.OutcomeAdvanced
	var detail string
	if degraded {
		outcome = domain.OutcomeDegraded
		detail = "missing: " + strings.Join(result.MissingAgents, ", ")
		logger.Warn("degraded consensus",
			"participants", result.ParticipantCount,
			"expected", result.ExpectedCount,
			"missing", result.MissingAgents)
	}

	if _, err := r.c.store.RecordSynthesis(ctx, result); err != nil {
		return domain.ConsensusResult{}, r.storeHalt(ctx, p, "could not record synthesis", err)
	}
	result.OutputPath = r.writeArtifact(ctx, result)

	rec := domain.StageRecord{
		Stage:        p.stage,
		Checkpoint:   p.checkpoint,
		Outcome:      outcome,
		Participants: result.ParticipantCount,
		Expected:     result.ExpectedCount,
		Detail:       detail,
		CompletedAt:  r.c.now(),
	}
	if err := r.record(ctx, rec); err != nil {
		return domain.ConsensusResult{}, r.storeHalt(ctx, p, "could not record stage history", err)
	}

	kind, evType := artifact.KindStageCompleted, events.StageCompleted
	if p.checkpoint != "" {
		kind, evType = artifact.KindGateEvaluated, events.GateEvaluated
	}
	r.evidence(ctx, artifact.Record{
		Kind:         kind,
		Stage:        p.stage,
		Checkpoint:   p.checkpoint,
		Status:       string(result.Status()),
		Participants: result.ParticipantCount,
		Expected:     result.ExpectedCount,
		Missing:      result.MissingAgents,
		Location:     result.OutputPath,
	})
	r.publish(events.Event{
		Type:         evType,
		Stage:        p.stage,
		Checkpoint:   p.checkpoint,
		Outcome:      outcome,
		Participants: result.ParticipantCount,
		Expected:     result.ExpectedCount,
		Text:         result.OutputPath,
	})
	r.c.metrics.phase(p.stage, p.phaseType(), outcome, r.c.now().Sub(started))
	logger.Info("stage finished",
		"outcome", outcome,
		"participants", result.ParticipantCount,
		"expected", result.ExpectedCount,
		"conflicts", len(result.Conflicts))
	return result, nil
}

// writeArtifact hands the rendered document to the artifact writer. Failures
// are logged and do not stop the run.
func (r *run) writeArtifact(ctx context.Context, result domain.ConsensusResult) string {
	if r.c.writer == nil {
		return ""
	}
	location, err := r.c.writer.Write(ctx, artifact.FromResult(result))
	if err != nil {
		r.logger.Warn("artifact write failed", "stage", result.Stage, "checkpoint", result.Checkpoint, "error", err)
		return ""
	}
	if err := r.c.store.SetSynthesisOutputPath(ctx, result.SpecID, result.Stage, result.RunID, result.PhaseType, location); err != nil {
		r.logger.Warn("could not record artifact location", "location", location, "error", err)
	}
	r.evidence(ctx, artifact.Record{
		Kind:       artifact.KindArtifactWritten,
		Stage:      result.Stage,
		Checkpoint: result.Checkpoint,
		Location:   location,
	})
	return location
}

func (r *run) record(ctx context.Context, rec domain.StageRecord) error {
	if err := r.c.store.AppendStageRecord(ctx, r.st.RunID, rec); err != nil {
		return err
	}
	r.st.StageHistory = append(r.st.StageHistory, rec)
	return nil
}

// halt records why the run stopped and moves it to he.Status. Persistence
// failures here are logged; he is returned either way.
func (r *run) halt(ctx context.Context, he *HaltError) (domain.PipelineState, error) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	outcome := domain.OutcomeHalted
	if he.Status == domain.StatusCompletedFailure {
		outcome = domain.OutcomeFailed
	}
	if he.Stage != "" {
		rec := domain.StageRecord{
			Stage:        he.Stage,
			Checkpoint:   he.Checkpoint,
			Outcome:      outcome,
			Participants: he.Participants,
			Expected:     he.Expected,
			Detail:       he.Reason,
			CompletedAt:  r.c.now(),
		}
		if err := r.record(ctx, rec); err != nil {
			r.logger.Warn("could not record halted stage", "stage", he.Stage, "error", err)
		}
	}
	if err := r.transition(ctx, he.Status, he.Reason); err != nil {
		r.logger.Error("could not record pipeline halt", "status", he.Status, "error", err)
		r.st.Status = he.Status
		r.st.HaltReason = he.Reason
	}
	r.evidence(ctx, artifact.Record{
		Kind:         artifact.KindHalted,
		Stage:        he.Stage,
		Checkpoint:   he.Checkpoint,
		Status:       string(he.Status),
		Participants: he.Participants,
		Expected:     he.Expected,
		Missing:      he.Missing,
		Detail:       he.Reason,
	})
	r.c.metrics.finished(he.Status)

	attrs := []any{"status", he.Status, "stage", he.Stage, "reason", he.Reason}
	if he.Err != nil {
		attrs = append(attrs, "error", he.Err)
	}
	if he.Status == domain.StatusCompletedFailure {
		r.logger.Error("pipeline failed", attrs...)
	} else {
		r.logger.Warn("pipeline halted", attrs...)
	}
	return r.st, he
}

func (r *run) haltError(status domain.PipelineStatus, stage domain.Stage, cp domain.Checkpoint, reason string, err error) *HaltError {
	if err != nil && status != domain.StatusPausedForReview {
		reason = reason + ": " + err.Error()
	}
	return &HaltError{
		RunID:      r.st.RunID,
		SpecID:     r.st.SpecID,
		Status:     status,
		Stage:      stage,
		Checkpoint: cp,
		Reason:     reason,
		Err:        err,
	}
}

// storeHalt classifies a persistence error: cancelled when the run's
// context is done, failed otherwise.
func (r *run) storeHalt(ctx context.Context, p phase, reason string, err error) *HaltError {
	if ctx.Err() != nil {
		return r.haltError(domain.StatusCancelled, p.stage, p.checkpoint, "run cancelled", err)
	}
	return r.haltError(domain.StatusCompletedFailure, p.stage, p.checkpoint, reason, err)
}

func (r *run) evidence(ctx context.Context, rec artifact.Record) {
	if r.c.evidence == nil {
		return
	}
	rec.RunID = r.st.RunID
	rec.SpecID = r.st.SpecID
	if rec.Time.IsZero() {
		rec.Time = r.c.now().UTC()
	}
	if err := r.c.evidence.Append(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("evidence append failed", "kind", rec.Kind, "error", err)
	}
}

func (r *run) publish(e events.Event) {
	e.RunID = r.st.RunID
	e.SpecID = r.st.SpecID
	e.Time = r.c.now()
	r.c.pub.Publish(e)
}

func (r *run) refresh(ctx context.Context) {
	if r.c.projector == nil {
		return
	}
	if _, err := r.c.projector.Refresh(context.WithoutCancel(ctx), r.st.RunID); err != nil {
		r.logger.Debug("projection refresh failed", "error", err)
	}
}
