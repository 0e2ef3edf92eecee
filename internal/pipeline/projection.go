package pipeline

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/speckit/internal/domain"
)

// DefaultProjectionSize is the number of run views a Projector keeps.
const DefaultProjectionSize = 128

// RunView is a read model of one run, rebuilt from store rows.
type RunView struct {
	State     domain.PipelineState      `json:"state"`
	Agents    []domain.AgentExecution   `json:"agents"`
	Syntheses []domain.ConsensusResult  `json:"syntheses"`
	Counts    map[domain.AgentState]int `json:"counts"`
}

// Settled reports whether the run will not change without a new call to
// Run or Resume.
func (v RunView) Settled() bool {
	return v.State.Status.IsTerminal() || v.State.Status == domain.StatusPausedForReview
}

// ViewStore is what a Projector reads.
type ViewStore interface {
	LoadPipelineState(ctx context.Context, runID string) (domain.PipelineState, error)
	QueryByRun(ctx context.Context, runID string) ([]domain.AgentExecution, error)
	SynthesesByRun(ctx context.Context, runID string) ([]domain.ConsensusResult, error)
}

// Projector serves RunViews from an LRU cache. The store stays the source
// of truth: views of runs still in progress are rebuilt on every read.
//
// Thread-safety: Projector is safe for concurrent use.
type Projector struct {
	store ViewStore
	cache *lru.Cache[string, RunView]
}

// NewProjector creates a Projector holding up to size views.
func NewProjector(store ViewStore, size int) (*Projector, error) {
	if size <= 0 {
		size = DefaultProjectionSize
	}
	cache, err := lru.New[string, RunView](size)
	if err != nil {
		return nil, fmt.Errorf("new projector: %w", err)
	}
	return &Projector{store: store, cache: cache}, nil
}

// View returns the view of runID.
func (p *Projector) View(ctx context.Context, runID string) (RunView, error) {
	if v, ok := p.cache.Get(runID); ok && v.Settled() {
		return v, nil
	}
	return p.Refresh(ctx, runID)
}

// Refresh rebuilds the view of runID from the store and caches it.
func (p *Projector) Refresh(ctx context.Context, runID string) (RunView, error) {
	st, err := p.store.LoadPipelineState(ctx, runID)
	if err != nil {
		return RunView{}, fmt.Errorf("project run %s: %w", runID, err)
	}
	agents, err := p.store.QueryByRun(ctx, runID)
	if err != nil {
		return RunView{}, fmt.Errorf("project run %s: %w", runID, err)
	}
	syntheses, err := p.store.SynthesesByRun(ctx, runID)
	if err != nil {
		return RunView{}, fmt.Errorf("project run %s: %w", runID, err)
	}

	v := RunView{
		State:     st,
		Agents:    agents,
		Syntheses: syntheses,
		Counts:    make(map[domain.AgentState]int),
	}
	for _, a := range agents {
		v.Counts[a.State]++
	}
	p.cache.Add(runID, v)
	return v, nil
}

// Invalidate drops the cached view of runID.
func (p *Projector) Invalidate(runID string) {
	p.cache.Remove(runID)
}

// Len returns the number of cached views.
func (p *Projector) Len() int { return p.cache.Len() }
