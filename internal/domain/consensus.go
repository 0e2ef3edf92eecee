package domain

import "time"

// SynthesisStatus summarizes a ConsensusResult for listings.
type SynthesisStatus string

const (
	SynthesisOK       SynthesisStatus = "ok"
	SynthesisDegraded SynthesisStatus = "degraded"
	SynthesisConflict SynthesisStatus = "conflict"
)

// ConsensusResult is the synthesized outcome of one stage or gate. It is
// created once and never mutated.
type ConsensusResult struct {
	SpecID           string     `json:"spec_id"`
	Stage            Stage      `json:"stage"`
	RunID            string     `json:"run_id"`
	PhaseType        PhaseType  `json:"phase_type"`
	Checkpoint       Checkpoint `json:"checkpoint,omitempty"`
	Agreements       []string   `json:"agreements"`
	Conflicts        []string   `json:"conflicts"`
	Degraded         bool       `json:"degraded"`
	ParticipantCount int        `json:"participant_count"`
	ExpectedCount    int        `json:"expected_count"`
	Participants     []string   `json:"participants"`
	MissingAgents    []string   `json:"missing_agents"`
	OutputMarkdown   string     `json:"output_markdown"`
	OutputPath       string     `json:"output_path,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Status derives the listing status from the result.
func (r ConsensusResult) Status() SynthesisStatus {
	switch {
	case len(r.Conflicts) > 0:
		return SynthesisConflict
	case r.Degraded:
		return SynthesisDegraded
	default:
		return SynthesisOK
	}
}
