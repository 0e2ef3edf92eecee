package orchestrator

import (
	"fmt"
	"sync"

	"github.com/roach88/speckit/internal/domain"
)

// transitions lists the legal slot moves. A slot is one position in a
// stage's roster; each attempt at it is a separate persisted row.
var transitions = map[domain.AgentState][]domain.AgentState{
	domain.AgentPending:  {domain.AgentQueued, domain.AgentCancelled},
	domain.AgentQueued:   {domain.AgentRunning, domain.AgentFailed, domain.AgentCancelled},
	domain.AgentRunning:  {domain.AgentCompleted, domain.AgentFailed, domain.AgentCancelled},
	domain.AgentFailed:   {domain.AgentRetrying},
	domain.AgentRetrying: {domain.AgentQueued, domain.AgentCancelled},
}

// TransitionError reports an illegal slot state change.
type TransitionError struct {
	From domain.AgentState
	To   domain.AgentState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid agent transition %s -> %s", e.From, e.To)
}

// ValidateTransition returns nil when a slot may move from one state to
// the other.
func ValidateTransition(from, to domain.AgentState) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}

// slot tracks one roster position across attempts.
type slot struct {
	mu       sync.Mutex
	index    int
	agent    AgentSpec
	state    domain.AgentState
	history  []domain.AgentState
	agentIDs []string
	attempts int
}

func newSlot(index int, agent AgentSpec) *slot {
	return &slot{
		index:   index,
		agent:   agent,
		state:   domain.AgentPending,
		history: []domain.AgentState{domain.AgentPending},
	}
}

func (s *slot) transition(to domain.AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ValidateTransition(s.state, to); err != nil {
		return err
	}
	s.state = to
	s.history = append(s.history, to)
	return nil
}

func (s *slot) begin(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	s.agentIDs = append(s.agentIDs, agentID)
	return s.attempts
}

func (s *slot) current() domain.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *slot) report() SlotReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SlotReport{
		Index:    s.index,
		Agent:    s.agent.Name,
		State:    s.state,
		Attempts: s.attempts,
		AgentIDs: append([]string(nil), s.agentIDs...),
		History:  append([]domain.AgentState(nil), s.history...),
	}
}

// SlotReport is the final view of one roster position.
type SlotReport struct {
	Index    int                 `json:"index"`
	Agent    string              `json:"agent"`
	State    domain.AgentState   `json:"state"`
	Attempts int                 `json:"attempts"`
	AgentIDs []string            `json:"agent_ids"`
	History  []domain.AgentState `json:"history"`
}

// ledger remembers which executions already had their completion recorded
// during one stage. A second notification for the same id is dropped.
type ledger struct {
	mu   sync.Mutex
	done map[string]struct{}
}

func newLedger() *ledger {
	return &ledger{done: make(map[string]struct{})}
}

// claim returns true the first time it sees agentID.
func (l *ledger) claim(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.done[agentID]; ok {
		return false
	}
	l.done[agentID] = struct{}{}
	return true
}

// release forgets agentID so a failed write can be attempted again.
func (l *ledger) release(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.done, agentID)
}

func (l *ledger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.done)
}
