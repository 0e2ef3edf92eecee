// Package orchestrator spawns the agents of one stage, drives each through
// its retry-bounded lifecycle, and collects the outputs of the agents that
// completed.
//
// Every attempt is persisted before the process starts and completed
// exactly once. The store is the source of truth: the result of a stage is
// read back from it, filtered to the agent ids spawned by this call.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/speckit/internal/cliexec"
	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/events"
	"github.com/roach88/speckit/internal/retry"
)

// Mode selects how a stage's agents are scheduled.
type Mode string

const (
	// Sequential runs agents one after another. Later prompts include the
	// outputs of earlier agents.
	Sequential Mode = "sequential"
	// Parallel runs agents concurrently up to the parallelism limit.
	Parallel Mode = "parallel"
)

// ParseMode validates a mode name. Empty means Parallel.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", Parallel:
		return Parallel, nil
	case Sequential:
		return Sequential, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// DefaultParallelism bounds concurrent agents in parallel mode.
const DefaultParallelism = 4

// errStageTimeout is the cancellation cause when a stage runs out of time.
var errStageTimeout = errors.New("stage timeout")

// Store is the persistence the orchestrator needs.
type Store interface {
	RecordSpawn(ctx context.Context, exec domain.AgentExecution) (domain.AgentExecution, error)
	MarkRunning(ctx context.Context, agentID string) error
	RecordCompletion(ctx context.Context, agentID string, c domain.Completion) (bool, error)
	QueryByRun(ctx context.Context, runID string) ([]domain.AgentExecution, error)
	QueryOpen(ctx context.Context, runID string) ([]domain.AgentExecution, error)
}

// StageRequest describes one stage (or gate) to orchestrate.
type StageRequest struct {
	SpecID     string
	Stage      domain.Stage
	PhaseType  domain.PhaseType
	Checkpoint domain.Checkpoint
	RunID      string
	Agents     []AgentSpec
	Mode       Mode
	// Timeout bounds the whole stage. Zero means no limit.
	Timeout time.Duration
	// Context is prepended to every prompt (spec text, previous synthesis).
	Context string
}

func (r StageRequest) validate() error {
	switch {
	case r.SpecID == "":
		return errors.New("spec id is required")
	case r.RunID == "":
		return errors.New("run id is required")
	case r.Stage.Index() < 0:
		return fmt.Errorf("unknown stage %q", r.Stage)
	case len(r.Agents) == 0:
		return errors.New("at least one agent is required")
	}
	seen := make(map[string]bool, len(r.Agents))
	for _, a := range r.Agents {
		if a.Name == "" {
			return errors.New("agent name is required")
		}
		if seen[a.Name] {
			return fmt.Errorf("agent %s listed twice", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// AgentFailure describes a slot that did not complete.
type AgentFailure struct {
	Agent    string `json:"agent"`
	Slot     int    `json:"slot"`
	Attempts int    `json:"attempts"`
	Class    string `json:"class"`
	Message  string `json:"message"`
}

// StageResult is the outcome of SpawnStageAgents.
type StageResult struct {
	RunID string
	Stage domain.Stage
	// Spawned lists every agent id created by this call, in spawn order.
	Spawned []string
	// Completed holds the rows of this call in state completed, read back
	// from the store.
	Completed []domain.AgentExecution
	Failures  []AgentFailure
	Slots     []SlotReport
	Cancelled bool
	TimedOut  bool
}

// Expected returns the roster size.
func (r *StageResult) Expected() int { return len(r.Slots) }

// Orchestrator spawns stage agents.
//
// Thread-safety: SpawnStageAgents may be called concurrently for different
// runs; per-call state lives in the call.
type Orchestrator struct {
	store       Store
	launcher    Launcher
	prompts     PromptBuilder
	publisher   events.Publisher
	ids         domain.IDGenerator
	policy      retry.Policy
	parallelism int
	limiters    *providerLimiters
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher sets where lifecycle events go.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithIDGenerator sets the agent id source.
func WithIDGenerator(g domain.IDGenerator) Option {
	return func(o *Orchestrator) { o.ids = g }
}

// WithPolicy sets the per-slot retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithParallelism bounds concurrent agents in parallel mode.
func WithParallelism(n int) Option {
	return func(o *Orchestrator) { o.parallelism = n }
}

// WithRateLimits sets the default per-provider spawn rate and overrides.
func WithRateLimits(def RateLimit, overrides map[string]RateLimit) Option {
	return func(o *Orchestrator) { o.limiters = newProviderLimiters(def, overrides) }
}

// WithMetrics sets the Prometheus collectors. Nil disables metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPromptBuilder sets the prompt renderer.
func WithPromptBuilder(p PromptBuilder) Option {
	return func(o *Orchestrator) { o.prompts = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(store Store, launcher Launcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		launcher:    launcher,
		publisher:   events.Discard,
		ids:         domain.UUIDv7Generator{},
		policy:      retry.AgentPolicy(),
		parallelism: DefaultParallelism,
		limiters:    newProviderLimiters(RateLimit{}, nil),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.prompts == nil {
		o.prompts = defaultPrompts()
	}
	if o.parallelism < 1 {
		o.parallelism = 1
	}
	return o
}

// storeFailure marks an error that came from the store after its own
// retries. It stops the slot's retry loop and fails the stage.
type storeFailure struct{ err error }

func (e *storeFailure) Error() string { return e.err.Error() }
func (e *storeFailure) Unwrap() error { return e.err }

func (e *storeFailure) Classify() retry.Classification {
	return retry.Classification{Class: retry.Permanent, Reason: "store failure"}
}

func (e *storeFailure) SuggestedBackoff() (time.Duration, bool) { return 0, false }

// SpawnStageAgents runs every agent of req and returns what completed.
//
// Single-agent failures are absorbed into StageResult.Failures. The error
// is non-nil only for an invalid request or a store failure; cancellation
// returns a result with Cancelled set together with the context's error.
func (o *Orchestrator) SpawnStageAgents(ctx context.Context, req StageRequest) (*StageResult, error) {
	if err := req.validate(); err != nil {
		return nil, retry.Fatal(fmt.Errorf("spawn stage agents: %w", err), "invalid request", "")
	}
	if req.Mode == "" {
		req.Mode = Parallel
	}
	if req.PhaseType == "" {
		req.PhaseType = domain.PhaseRegular
		if req.Checkpoint != "" {
			req.PhaseType = domain.PhaseQualityGate
		}
	}

	ctx, span := startSpan(ctx, spanStage,
		attribute.String(attrRunID, req.RunID),
		attribute.String(attrSpecID, req.SpecID),
		attribute.String(attrStage, string(req.Stage)),
		attribute.String(attrMode, string(req.Mode)),
	)

	stageCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeoutCause(ctx, req.Timeout, errStageTimeout)
		defer cancel()
	}

	run := &stageRun{
		o:      o,
		req:    req,
		ledger: newLedger(),
		logger: o.logger.With("run_id", req.RunID, "spec_id", req.SpecID, "stage", req.Stage),
	}
	for i, a := range req.Agents {
		run.slots = append(run.slots, newSlot(i, a))
	}

	run.logger.Info("spawning stage agents", "agents", len(req.Agents), "mode", req.Mode)

	var err error
	if req.Mode == Sequential {
		err = run.sequential(stageCtx)
	} else {
		err = run.parallel(stageCtx)
	}
	if err != nil {
		endSpan(span, err)
		return nil, fmt.Errorf("spawn stage agents: %w", err)
	}

	// Collection must survive cancellation of the caller.
	detached := context.WithoutCancel(ctx)
	if stageCtx.Err() != nil {
		if err := run.sweep(detached); err != nil {
			endSpan(span, err)
			return nil, fmt.Errorf("spawn stage agents: %w", err)
		}
	}

	res, err := run.collect(detached)
	if err != nil {
		endSpan(span, err)
		return nil, fmt.Errorf("spawn stage agents: %w", err)
	}
	res.Cancelled = ctx.Err() != nil
	res.TimedOut = !res.Cancelled && errors.Is(context.Cause(stageCtx), errStageTimeout)

	span.SetAttributes(attribute.Int("speckit.completed", len(res.Completed)))
	run.logger.Info("stage agents finished",
		"completed", len(res.Completed),
		"failed", len(res.Failures),
		"cancelled", res.Cancelled,
		"timed_out", res.TimedOut)

	if res.Cancelled {
		endSpan(span, ctx.Err())
		return res, ctx.Err()
	}
	endSpan(span, nil)
	return res, nil
}

// stageRun is the per-call state of one SpawnStageAgents.
type stageRun struct {
	o      *Orchestrator
	req    StageRequest
	ledger *ledger
	slots  []*slot
	logger *slog.Logger

	mu       sync.Mutex
	spawned  []string
	failures []AgentFailure
}

func (r *stageRun) sequential(ctx context.Context) error {
	var prior []PriorOutput
	for _, sl := range r.slots {
		if ctx.Err() != nil {
			r.skip(sl, ctx)
			continue
		}
		out, err := r.runSlot(ctx, sl, prior)
		if err != nil {
			return err
		}
		if out != "" {
			prior = append(prior, PriorOutput{Agent: sl.agent.Name, Output: out})
		}
	}
	return nil
}

func (r *stageRun) parallel(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.parallelism)
	for _, sl := range r.slots {
		sl := sl
		g.Go(func() error {
			if gctx.Err() != nil {
				r.skip(sl, gctx)
				return nil
			}
			_, err := r.runSlot(gctx, sl, nil)
			return err
		})
	}
	return g.Wait()
}

// skip cancels a slot that never started.
func (r *stageRun) skip(sl *slot, ctx context.Context) {
	_ = sl.transition(domain.AgentCancelled)
	r.fail(sl, cancelClass(ctx), context.Cause(ctx))
}

// runSlot drives one roster position through its attempts. It returns the
// output of the successful attempt, "" when the slot failed, or an error
// only for store failures.
func (r *stageRun) runSlot(ctx context.Context, sl *slot, prior []PriorOutput) (string, error) {
	o := r.o
	if err := sl.transition(domain.AgentQueued); err != nil {
		r.logger.Warn("slot transition rejected", "agent", sl.agent.Name, "error", err)
	}

	out, err := retry.Do(ctx, o.policy, func(ctx context.Context) (string, error) {
		return r.attempt(ctx, sl, prior)
	},
		retry.WithLogger(r.logger),
		retry.WithOperation("agent "+sl.agent.Name),
		retry.WithObserver(func(a retry.Attempt) {
			r.retrying(sl, a)
		}),
	)
	if err == nil {
		return out, nil
	}

	var sf *storeFailure
	if errors.As(err, &sf) {
		return "", sf.err
	}
	class := errorClass(err)
	if ctx.Err() != nil {
		class = cancelClass(ctx)
	}
	r.fail(sl, class, err)
	return "", nil
}

func (r *stageRun) retrying(sl *slot, a retry.Attempt) {
	if err := sl.transition(domain.AgentRetrying); err != nil {
		r.logger.Warn("slot transition rejected", "agent", sl.agent.Name, "error", err)
	}
	r.o.metrics.retried(string(r.req.Stage), sl.agent.Name)
	r.publish(events.Event{
		Type:      events.AgentRetrying,
		AgentName: sl.agent.Name,
		Attempt:   a.Number,
		Error:     a.Err.Error(),
	})
	if err := sl.transition(domain.AgentQueued); err != nil {
		r.logger.Warn("slot transition rejected", "agent", sl.agent.Name, "error", err)
	}
}

// attempt runs one spawn of a slot: persist, launch, stream, complete.
func (r *stageRun) attempt(ctx context.Context, sl *slot, prior []PriorOutput) (output string, err error) {
	o := r.o
	req := r.req

	if err := o.limiters.wait(ctx, sl.agent.Provider); err != nil {
		_ = sl.transition(domain.AgentCancelled)
		return "", context.Cause(ctx)
	}

	agentID := o.ids.Generate()
	n := sl.begin(agentID)

	ctx, span := startSpan(ctx, spanAttempt,
		attribute.String(attrRunID, req.RunID),
		attribute.String(attrAgent, sl.agent.Name),
		attribute.String(attrAgentID, agentID),
		attribute.Int(attrAttempt, n),
	)
	defer func() { endSpan(span, err) }()

	exec := domain.AgentExecution{
		AgentID:   agentID,
		RunID:     req.RunID,
		SpecID:    req.SpecID,
		Stage:     req.Stage,
		PhaseType: req.PhaseType,
		AgentName: sl.agent.Name,
		Provider:  sl.agent.Provider,
		Slot:      sl.index,
		Attempt:   n,
		State:     domain.AgentQueued,
		SpawnedAt: o.now().UTC(),
	}
	if _, err := o.store.RecordSpawn(ctx, exec); err != nil {
		if ctx.Err() != nil {
			_ = sl.transition(domain.AgentCancelled)
			return "", context.Cause(ctx)
		}
		_ = sl.transition(domain.AgentFailed)
		return "", &storeFailure{err: err}
	}
	r.addSpawned(agentID)
	o.metrics.spawned(string(req.Stage), sl.agent.Name)
	started := o.now()
	r.publish(events.Event{Type: events.AgentSpawned, AgentID: agentID, AgentName: sl.agent.Name, Attempt: n})

	if err := sl.transition(domain.AgentRunning); err != nil {
		r.logger.Warn("slot transition rejected", "agent", sl.agent.Name, "error", err)
	}
	if err := o.store.MarkRunning(ctx, agentID); err != nil && ctx.Err() == nil {
		return "", r.finish(ctx, sl, agentID, n, started, "", &storeFailure{err: err})
	}
	r.publish(events.Event{Type: events.AgentRunning, AgentID: agentID, AgentName: sl.agent.Name, Attempt: n})

	prompt, err := o.prompts.Build(PromptData{
		SpecID:     req.SpecID,
		Stage:      req.Stage,
		Checkpoint: req.Checkpoint,
		Agent:      sl.agent.Name,
		Attempt:    n,
		Context:    req.Context,
		Prior:      prior,
	})
	if err != nil {
		return "", r.finish(ctx, sl, agentID, n, started, "", retry.Fatal(err, "prompt", ""))
	}

	proc, err := o.launcher.Launch(ctx, sl.agent, prompt)
	if err != nil {
		return "", r.finish(ctx, sl, agentID, n, started, "", err)
	}
	stop := context.AfterFunc(ctx, proc.Cancel)
	defer stop()

	var tr cliexec.Transcript
	for ev := range proc.Events() {
		tr.Add(ev)
		if ev.Kind == cliexec.EventDelta && ev.Text != "" {
			r.publish(events.Event{Type: events.AgentProgress, AgentID: agentID, AgentName: sl.agent.Name, Attempt: n, Text: ev.Text})
		}
	}
	runErr := proc.Wait()
	text := tr.Text()
	if runErr == nil && strings.TrimSpace(text) == "" {
		runErr = &cliexec.Error{Kind: cliexec.KindParseError, Message: "agent produced no output"}
	}
	if err := r.finish(ctx, sl, agentID, n, started, text, runErr); err != nil {
		return "", err
	}
	return text, nil
}

// finish records the terminal state of one attempt and returns the error
// the retry loop should see.
func (r *stageRun) finish(ctx context.Context, sl *slot, agentID string, attempt int, started time.Time, output string, runErr error) error {
	o := r.o
	c := domain.Completion{CompletedAt: o.now().UTC()}
	evType := events.AgentCompleted

	var sf *storeFailure
	switch {
	case runErr == nil:
		c.State = domain.AgentCompleted
		c.RawOutput = &output
	case errors.As(runErr, &sf):
		c.State = domain.AgentFailed
		c.ErrorClass = "store"
		c.ErrorMessage = runErr.Error()
		evType = events.AgentFailed
	case ctx.Err() != nil:
		c.ErrorClass = cancelClass(ctx)
		c.ErrorMessage = context.Cause(ctx).Error()
		if c.ErrorClass == "timeout" {
			c.State = domain.AgentFailed
			evType = events.AgentFailed
		} else {
			c.State = domain.AgentCancelled
			evType = events.AgentCancelled
		}
		runErr = context.Cause(ctx)
	default:
		c.State = domain.AgentFailed
		c.ErrorClass = errorClass(runErr)
		c.ErrorMessage = runErr.Error()
		evType = events.AgentFailed
	}
	if output != "" && c.RawOutput == nil {
		c.RawOutput = &output
	}

	if err := sl.transition(c.State); err != nil {
		r.logger.Warn("slot transition rejected", "agent", sl.agent.Name, "error", err)
	}
	o.metrics.finished(string(r.req.Stage), sl.agent.Name, string(c.State), o.now().Sub(started))

	if err := r.complete(ctx, agentID, c); err != nil {
		return &storeFailure{err: err}
	}

	ev := events.Event{Type: evType, AgentID: agentID, AgentName: sl.agent.Name, Attempt: attempt}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	r.publish(ev)
	return runErr
}

// complete writes a completion once per agent id. Writes run on a context
// detached from cancellation so a cancelled stage still closes its rows.
func (r *stageRun) complete(ctx context.Context, agentID string, c domain.Completion) error {
	if !r.ledger.claim(agentID) {
		r.logger.Debug("duplicate completion ignored", "agent_id", agentID, "state", c.State)
		return nil
	}
	if _, err := r.o.store.RecordCompletion(context.WithoutCancel(ctx), agentID, c); err != nil {
		r.ledger.release(agentID)
		return err
	}
	return nil
}

// sweep closes rows of this call still open after cancellation or timeout.
func (r *stageRun) sweep(ctx context.Context) error {
	open, err := r.o.store.QueryOpen(ctx, r.req.RunID)
	if err != nil {
		return err
	}
	mine := r.spawnedSet()
	for _, row := range open {
		if !mine[row.AgentID] {
			continue
		}
		err := r.complete(ctx, row.AgentID, domain.Completion{
			State:        domain.AgentCancelled,
			ErrorClass:   "cancelled",
			ErrorMessage: "stage ended before the agent completed",
			CompletedAt:  r.o.now().UTC(),
		})
		if err != nil {
			return err
		}
	}
	// Slots cancelled between attempts never reach a terminal state on
	// their own.
	for _, sl := range r.slots {
		if !sl.current().IsTerminal() {
			if err := sl.transition(domain.AgentCancelled); err != nil {
				r.logger.Warn("slot transition rejected", "agent", sl.agent.Name, "error", err)
			}
		}
	}
	r.logger.Debug("stage swept", "open_rows", len(open), "completions", r.ledger.len())
	return nil
}

// collect reads this call's rows back from the store.
func (r *stageRun) collect(ctx context.Context) (*StageResult, error) {
	rows, err := r.o.store.QueryByRun(ctx, r.req.RunID)
	if err != nil {
		return nil, err
	}
	mine := r.spawnedSet()

	res := &StageResult{
		RunID:     r.req.RunID,
		Stage:     r.req.Stage,
		Completed: []domain.AgentExecution{},
	}
	for _, row := range rows {
		if mine[row.AgentID] && row.State == domain.AgentCompleted {
			res.Completed = append(res.Completed, row)
		}
	}

	r.mu.Lock()
	res.Spawned = append([]string(nil), r.spawned...)
	res.Failures = append([]AgentFailure(nil), r.failures...)
	r.mu.Unlock()

	for _, sl := range r.slots {
		res.Slots = append(res.Slots, sl.report())
	}
	return res, nil
}

func (r *stageRun) addSpawned(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawned = append(r.spawned, agentID)
}

func (r *stageRun) spawnedSet() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[string]bool, len(r.spawned))
	for _, id := range r.spawned {
		set[id] = true
	}
	return set
}

func (r *stageRun) fail(sl *slot, class string, err error) {
	rep := sl.report()
	f := AgentFailure{Agent: sl.agent.Name, Slot: sl.index, Attempts: rep.Attempts, Class: class}
	if err != nil {
		f.Message = err.Error()
	}
	r.mu.Lock()
	r.failures = append(r.failures, f)
	r.mu.Unlock()
	r.logger.Warn("agent failed", "agent", sl.agent.Name, "attempts", rep.Attempts, "class", class, "error", err)
}

func (r *stageRun) publish(e events.Event) {
	e.RunID = r.req.RunID
	e.SpecID = r.req.SpecID
	e.Stage = r.req.Stage
	e.Checkpoint = r.req.Checkpoint
	r.o.publisher.Publish(e)
}

// errorClass names the failure for persistence: the executor kind when
// there is one, otherwise the retry class.
func errorClass(err error) string {
	if kind := cliexec.KindOf(err); kind != "" {
		return strings.ToLower(string(kind))
	}
	var ee *retry.ExhaustedError
	if errors.As(err, &ee) {
		return errorClass(ee.Err)
	}
	return retry.ClassOf(err).String()
}

func cancelClass(ctx context.Context) string {
	if errors.Is(context.Cause(ctx), errStageTimeout) {
		return "timeout"
	}
	return "cancelled"
}
