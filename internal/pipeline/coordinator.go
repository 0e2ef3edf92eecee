// Package pipeline drives a spec through the delivery stages. For each
// stage it runs the quality gate guarding it, orchestrates the stage's
// agents, synthesizes their outputs and records the outcome. The run's
// status is persisted on every transition so a halted run can be resumed
// under a fresh run id.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/speckit/internal/artifact"
	"github.com/roach88/speckit/internal/consensus"
	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/events"
	"github.com/roach88/speckit/internal/orchestrator"
	"github.com/roach88/speckit/internal/retry"
	"github.com/roach88/speckit/internal/store"
)

// DefaultGateMinParticipants is the floor of agreeing agents a quality gate
// needs regardless of the threshold.
const DefaultGateMinParticipants = 2

// Orchestrator runs the agents of one stage or gate.
type Orchestrator interface {
	SpawnStageAgents(ctx context.Context, req orchestrator.StageRequest) (*orchestrator.StageResult, error)
}

// Store is the persistence the coordinator needs.
type Store interface {
	RecordSynthesis(ctx context.Context, r domain.ConsensusResult) (bool, error)
	SetSynthesisOutputPath(ctx context.Context, specID string, stage domain.Stage, runID string, phase domain.PhaseType, path string) error
	LatestSynthesis(ctx context.Context, specID string, stage domain.Stage) (domain.ConsensusResult, error)
	SavePipelineState(ctx context.Context, st domain.PipelineState) error
	AppendStageRecord(ctx context.Context, runID string, rec domain.StageRecord) error
	LatestRunForSpec(ctx context.Context, specID string) (domain.PipelineState, error)
	RecoverOrphans(ctx context.Context, runID string, at time.Time) (int, error)
}

// Rosters resolves which agents run a stage or gate.
type Rosters interface {
	Roster(stage domain.Stage) []orchestrator.AgentSpec
	GateRoster(cp domain.Checkpoint) []orchestrator.AgentSpec
}

// EvidenceLog receives one record per pipeline fact worth auditing.
type EvidenceLog interface {
	Append(ctx context.Context, rec artifact.Record) error
}

// Settings are the pipeline knobs taken from configuration.
type Settings struct {
	// Stages to run, in pipeline order. Empty means every stage.
	Stages       []domain.Stage
	Mode         orchestrator.Mode
	StageTimeout time.Duration
	// Threshold is the fraction of a roster that must succeed. Zero means
	// consensus.DefaultThreshold.
	Threshold           float64
	GateMinParticipants int
}

// Coordinator runs pipelines.
//
// Thread-safety: Run and Resume may be called concurrently; each call owns
// its run state.
type Coordinator struct {
	orch      Orchestrator
	store     Store
	rosters   Rosters
	settings  Settings
	synth     *consensus.Synthesizer
	writer    artifact.Writer
	evidence  EvidenceLog
	pub       events.Publisher
	projector *Projector
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithArtifactWriter sets where synthesized documents are written.
func WithArtifactWriter(w artifact.Writer) Option {
	return func(c *Coordinator) { c.writer = w }
}

// WithEvidence sets the evidence log.
func WithEvidence(l EvidenceLog) Option {
	return func(c *Coordinator) { c.evidence = l }
}

// WithPublisher sets the event sink.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.pub = p }
}

// WithProjector refreshes p on every status transition.
func WithProjector(p *Projector) Option {
	return func(c *Coordinator) { c.projector = p }
}

// WithSynthesizer replaces the default consensus synthesizer.
func WithSynthesizer(s *consensus.Synthesizer) Option {
	return func(c *Coordinator) { c.synth = s }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator.
func New(orch Orchestrator, st Store, rosters Rosters, settings Settings, opts ...Option) *Coordinator {
	if len(settings.Stages) == 0 {
		settings.Stages = domain.Stages()
	}
	if settings.Mode == "" {
		settings.Mode = orchestrator.Parallel
	}
	if settings.GateMinParticipants <= 0 {
		settings.GateMinParticipants = DefaultGateMinParticipants
	}
	c := &Coordinator{
		orch:     orch,
		store:    st,
		rosters:  rosters,
		settings: settings,
		pub:      events.Discard,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.synth == nil {
		c.synth = consensus.New(consensus.WithClock(c.now), consensus.WithLogger(c.logger))
	}
	return c
}

// Run starts a new run of every configured stage for specID.
//
// The returned state is the run's final state. A run that stops early
// returns a *HaltError describing where and why.
func (c *Coordinator) Run(ctx context.Context, specID string) (domain.PipelineState, error) {
	if specID == "" {
		return domain.PipelineState{}, retry.Fatal(errors.New("run pipeline: spec id is required"), "invalid request", "")
	}
	now := c.now()
	st := domain.PipelineState{
		RunID:     domain.NewRunID(specID, now),
		SpecID:    specID,
		Status:    domain.StatusReady,
		StartedAt: now,
		UpdatedAt: now,
	}
	return c.execute(ctx, st, 0, "")
}

// Resume continues specID from stage under a fresh run id. The latest run
// of the spec is recorded as the new run's origin and its orphaned agent
// rows are closed. The synthesis of the stage before from, if any, is the
// starting context.
func (c *Coordinator) Resume(ctx context.Context, specID string, from domain.Stage) (domain.PipelineState, error) {
	idx := -1
	for i, s := range c.settings.Stages {
		if s == from {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.PipelineState{}, retry.Fatal(
			fmt.Errorf("resume %s: stage %q is not part of the pipeline", specID, from),
			"invalid request", "")
	}

	prev, err := c.store.LatestRunForSpec(ctx, specID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.PipelineState{}, retry.Fatal(
			fmt.Errorf("resume %s: %w", specID, err),
			"no previous run", "start one with: speckit run "+specID)
	}
	if err != nil {
		return domain.PipelineState{}, fmt.Errorf("resume %s: %w", specID, err)
	}

	recovered, err := c.store.RecoverOrphans(ctx, prev.RunID, c.now())
	if err != nil {
		return domain.PipelineState{}, fmt.Errorf("resume %s: %w", specID, err)
	}
	if recovered > 0 {
		c.logger.Warn("closed orphaned agent rows", "run_id", prev.RunID, "rows", recovered)
	}

	var prior string
	if idx > 0 {
		r, err := c.store.LatestSynthesis(ctx, specID, c.settings.Stages[idx-1])
		switch {
		case err == nil:
			prior = r.OutputMarkdown
		case !errors.Is(err, store.ErrNotFound):
			return domain.PipelineState{}, fmt.Errorf("resume %s: %w", specID, err)
		}
	}

	now := c.now()
	st := domain.PipelineState{
		RunID:          domain.NewRunID(specID, now),
		SpecID:         specID,
		Status:         domain.StatusReady,
		ResumedFromRun: prev.RunID,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	c.logger.Info("resuming pipeline",
		"spec_id", specID, "from", from, "previous_run", prev.RunID, "run_id", st.RunID)
	return c.execute(ctx, st, idx, prior)
}

func (c *Coordinator) execute(ctx context.Context, st domain.PipelineState, from int, prior string) (domain.PipelineState, error) {
	r := &run{
		c:      c,
		st:     st,
		logger: c.logger.With("run_id", st.RunID, "spec_id", st.SpecID),
	}
	ctx, span := startSpan(ctx, spanRun, st.RunID, st.SpecID)

	first := c.settings.Stages[from]
	r.st.CurrentStageIndex = first.Index()
	r.st.CurrentStage = first
	if err := c.store.SavePipelineState(ctx, r.st); err != nil {
		endSpan(span, err)
		return r.st, fmt.Errorf("start pipeline: %w", err)
	}
	r.refresh(ctx)
	if err := r.transition(ctx, domain.StatusRunning, ""); err != nil {
		endSpan(span, err)
		return r.st, fmt.Errorf("start pipeline: %w", err)
	}
	c.metrics.started()
	r.logger.Info("pipeline started", "stages", len(c.settings.Stages)-from, "first", first)

	for _, stage := range c.settings.Stages[from:] {
		if ctx.Err() != nil {
			he := r.haltError(domain.StatusCancelled, stage, "", "run cancelled", ctx.Err())
			endSpan(span, he)
			return r.halt(ctx, he)
		}
		if he := r.advance(ctx, stage); he != nil {
			endSpan(span, he)
			return r.halt(ctx, he)
		}

		if cp := domain.CheckpointFor(stage); cp != "" {
			roster := c.rosters.GateRoster(cp)
			if len(roster) == 0 {
				r.logger.Debug("no gate agents configured, skipping gate", "checkpoint", cp)
			} else {
				res, he := r.phase(ctx, phase{
					stage:      stage,
					checkpoint: cp,
					roster:     roster,
					minimum:    c.settings.GateMinParticipants,
				}, prior)
				if he != nil {
					endSpan(span, he)
					return r.halt(ctx, he)
				}
				prior = joinContext(prior, res.OutputMarkdown)
			}
		}

		roster := c.rosters.Roster(stage)
		if len(roster) == 0 {
			he := r.haltError(domain.StatusCompletedFailure, stage, "", "no agents configured for stage", nil)
			endSpan(span, he)
			return r.halt(ctx, he)
		}
		res, he := r.phase(ctx, phase{stage: stage, roster: roster}, prior)
		if he != nil {
			endSpan(span, he)
			return r.halt(ctx, he)
		}
		prior = res.OutputMarkdown
	}

	if err := r.transition(ctx, domain.StatusCompletedSuccess, ""); err != nil {
		he := r.haltError(domain.StatusCompletedFailure, r.st.CurrentStage, "", "could not record completion", err)
		endSpan(span, he)
		return r.halt(ctx, he)
	}
	r.evidence(ctx, artifact.Record{Kind: artifact.KindRunFinished, Status: string(domain.StatusCompletedSuccess)})
	c.metrics.finished(domain.StatusCompletedSuccess)
	r.logger.Info("pipeline completed", "stages", len(r.st.StageHistory))
	endSpan(span, nil)
	return r.st, nil
}

func joinContext(prior, next string) string {
	switch {
	case prior == "":
		return next
	case next == "":
		return prior
	default:
		return prior + "\n\n" + next
	}
}
