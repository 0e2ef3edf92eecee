package orchestrator

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordsLifecycle(t *testing.T) {
	m := MustNewMetrics(prometheus.NewRegistry())

	m.spawned("plan", "claude")
	m.spawned("plan", "gemini")
	m.retried("plan", "gemini")
	m.finished("plan", "claude", "completed", 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.spawns.WithLabelValues("plan", "claude")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("plan", "gemini")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completions.WithLabelValues("plan", "claude", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.active))
}

func TestMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	first.spawned("tasks", "code")
	assert.Equal(t, 1.0, testutil.ToFloat64(second.spawns.WithLabelValues("tasks", "code")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.spawned("plan", "claude")
		m.retried("plan", "claude")
		m.finished("plan", "claude", "failed", time.Second)
	})
}
