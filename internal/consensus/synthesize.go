// Package consensus merges the outputs of several agents for one stage or
// quality gate into a single ConsensusResult and its markdown rendering.
//
// Synthesis tolerates partial participation. The participant count is
// compared with a threshold derived from the expected roster: below it the
// stage halts with an InsufficientError; at or above it but short of the full
// roster the result is returned together with a DegradedError.
package consensus

import (
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/roach88/speckit/internal/domain"
)

// DefaultThreshold is the fraction of expected agents that must succeed.
const DefaultThreshold = 2.0 / 3.0

// Output is one completed agent's text.
type Output struct {
	AgentName string
	AgentID   string
	Content   string
}

// Request describes one synthesis.
type Request struct {
	SpecID     string
	Stage      domain.Stage
	RunID      string
	PhaseType  domain.PhaseType
	Checkpoint domain.Checkpoint

	// Expected is the roster of agent names asked to participate. When empty
	// the distinct agents among Outputs are the roster.
	Expected []string
	// Threshold is the fraction of Expected that must participate. Zero
	// means DefaultThreshold.
	Threshold float64
	// MinParticipants raises the required count (capped at the roster
	// size). Gates use 2.
	MinParticipants int

	Outputs []Output
}

// Required returns how many participants the request needs.
func (r Request) Required() int {
	return required(len(r.roster()), r.Threshold, r.MinParticipants)
}

func (r Request) roster() []string {
	if len(r.Expected) > 0 {
		return uniqueSorted(r.Expected)
	}
	names := make([]string, 0, len(r.Outputs))
	for _, o := range r.Outputs {
		names = append(names, o.AgentName)
	}
	return uniqueSorted(names)
}

func required(expected int, fraction float64, floor int) int {
	if fraction <= 0 {
		fraction = DefaultThreshold
	}
	if fraction > 1 {
		fraction = 1
	}
	n := int(math.Ceil(float64(expected)*fraction - 1e-9))
	if floor > n {
		n = floor
	}
	if n > expected {
		n = expected
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Synthesizer computes consensus results.
type Synthesizer struct {
	similarity float64
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithSimilarity sets the statement similarity at which two agents agree.
func WithSimilarity(s float64) Option {
	return func(sy *Synthesizer) { sy.similarity = s }
}

// WithClock sets the source of CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(sy *Synthesizer) { sy.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(sy *Synthesizer) { sy.logger = l }
}

// New creates a Synthesizer.
func New(opts ...Option) *Synthesizer {
	s := &Synthesizer{
		similarity: DefaultSimilarity,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize runs with default settings.
func Synthesize(req Request) (domain.ConsensusResult, error) {
	return New().Synthesize(req)
}

// Synthesize merges the outputs in req.
//
// Outputs with blank content do not count as participation, and only the
// first output per agent name is used. Outputs from agents outside a
// non-empty Expected roster are ignored.
func (s *Synthesizer) Synthesize(req Request) (domain.ConsensusResult, error) {
	roster := req.roster()
	inRoster := make(map[string]bool, len(roster))
	for _, name := range roster {
		inRoster[name] = true
	}

	byAgent := make(map[string]Output, len(req.Outputs))
	for _, o := range req.Outputs {
		if strings.TrimSpace(o.Content) == "" {
			continue
		}
		if !inRoster[o.AgentName] {
			s.logger.Debug("ignoring output from agent outside roster",
				"run_id", req.RunID, "agent", o.AgentName)
			continue
		}
		if _, dup := byAgent[o.AgentName]; dup {
			continue
		}
		byAgent[o.AgentName] = o
	}

	participants := make([]string, 0, len(byAgent))
	var missing []string
	for _, name := range roster {
		if _, ok := byAgent[name]; ok {
			participants = append(participants, name)
		} else {
			missing = append(missing, name)
		}
	}

	need := req.Required()
	if len(participants) < need {
		return domain.ConsensusResult{}, &InsufficientError{
			Stage:        req.Stage,
			Checkpoint:   req.Checkpoint,
			Participants: len(participants),
			Expected:     len(roster),
			Required:     need,
			Missing:      nonNil(missing),
		}
	}

	payloads := make([]payload, len(participants))
	for i, name := range participants {
		payloads[i] = parsePayload(name, byAgent[name].Content)
	}

	phase := req.PhaseType
	if phase == "" {
		phase = domain.PhaseRegular
		if req.Checkpoint != "" {
			phase = domain.PhaseQualityGate
		}
	}

	res := domain.ConsensusResult{
		SpecID:           req.SpecID,
		Stage:            req.Stage,
		RunID:            req.RunID,
		PhaseType:        phase,
		Checkpoint:       req.Checkpoint,
		Agreements:       nonNil(agreements(payloads, s.similarity)),
		Conflicts:        nonNil(conflicts(payloads)),
		Degraded:         len(participants) < len(roster),
		ParticipantCount: len(participants),
		ExpectedCount:    len(roster),
		Participants:     participants,
		MissingAgents:    nonNil(missing),
		CreatedAt:        s.now().UTC(),
	}
	res.OutputMarkdown = render(req, res, payloads)

	s.logger.Info("consensus synthesized",
		"run_id", req.RunID,
		"stage", req.Stage,
		"checkpoint", req.Checkpoint,
		"participants", res.ParticipantCount,
		"expected", res.ExpectedCount,
		"agreements", len(res.Agreements),
		"conflicts", len(res.Conflicts))

	if res.Degraded {
		return res, &DegradedError{
			Participants: res.ParticipantCount,
			Expected:     res.ExpectedCount,
			Missing:      res.MissingAgents,
		}
	}
	return res, nil
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
