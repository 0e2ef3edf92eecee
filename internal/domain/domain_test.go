package domain

import (
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStage(t *testing.T) {
	tests := []struct {
		in   string
		want Stage
	}{
		{"plan", StagePlan},
		{"PLAN", StagePlan},
		{"spec-tasks", StageTasks},
		{" implement ", StageImplement},
		{"unlock", StageUnlock},
	}
	for _, tt := range tests {
		got, err := ParseStage(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseStage("deploy")
	assert.Error(t, err)
}

func TestStageOrder(t *testing.T) {
	stages := Stages()
	require.Len(t, stages, 7)
	assert.Equal(t, StageSpecify, stages[0])
	assert.Equal(t, StageUnlock, stages[6])
	for i, s := range stages {
		assert.Equal(t, i, s.Index())
	}
	assert.Equal(t, -1, Stage("deploy").Index())

	// Callers get a copy.
	stages[0] = "mutated"
	assert.Equal(t, StageSpecify, Stages()[0])
}

func TestCheckpoints(t *testing.T) {
	c, err := ParseCheckpoint("before-tasks")
	require.NoError(t, err)
	assert.Equal(t, StageTasks, c.Stage())
	assert.Equal(t, "checklist", c.Gate())

	_, err = ParseCheckpoint("after-everything")
	assert.Error(t, err)

	assert.Equal(t, CheckpointBeforePlan, CheckpointFor(StagePlan))
	assert.Equal(t, CheckpointBeforeImplement, CheckpointFor(StageImplement))
	assert.Equal(t, Checkpoint(""), CheckpointFor(StageSpecify))
}

func TestNewRunID(t *testing.T) {
	now := time.Unix(1700000000, 0)
	id := NewRunID("SPEC-KIT-042", now)
	assert.Regexp(t, regexp.MustCompile(`^run_SPEC-KIT-042_1700000000_[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, NewRunID("SPEC-KIT-042", now))
}

func TestClock_Concurrent(t *testing.T) {
	c := NewClockAt(10)
	var wg sync.WaitGroup
	seen := make(chan int64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- c.Next()
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[int64]bool{}
	for v := range seen {
		assert.Greater(t, v, int64(10))
		unique[v] = true
	}
	assert.Len(t, unique, 100)
	assert.Equal(t, int64(110), c.Current())
}

func TestFixedGenerator(t *testing.T) {
	g := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestConsensusStatus(t *testing.T) {
	assert.Equal(t, SynthesisOK, ConsensusResult{}.Status())
	assert.Equal(t, SynthesisDegraded, ConsensusResult{Degraded: true}.Status())
	assert.Equal(t, SynthesisConflict, ConsensusResult{Degraded: true, Conflicts: []string{"x"}}.Status())
}
