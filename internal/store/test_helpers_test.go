package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/speckit/internal/domain"
)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// createTestExecution creates an execution with minimal required fields.
func createTestExecution(agentID, runID string, slot int) domain.AgentExecution {
	return domain.AgentExecution{
		AgentID:   agentID,
		RunID:     runID,
		SpecID:    "SPEC-1",
		Stage:     domain.StagePlan,
		PhaseType: domain.PhaseRegular,
		AgentName: "claude",
		Provider:  "anthropic",
		Slot:      slot,
		Attempt:   1,
		State:     domain.AgentQueued,
		SpawnedAt: testTime,
	}
}

func completed(output string) domain.Completion {
	return domain.Completion{
		State:       domain.AgentCompleted,
		RawOutput:   &output,
		CompletedAt: testTime.Add(time.Minute),
	}
}
