package orchestrator

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	spawns      *prometheus.CounterVec
	completions *prometheus.CounterVec
	retries     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	active      prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns metrics registered with the global registry. The
// collectors are created once so several orchestrators can share them.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics builds and registers the collectors on reg. Collectors
// that are already registered are reused; any other registration error
// panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "speckit",
			Subsystem: "orchestrator",
			Name:      "agent_spawns_total",
			Help:      "Agent attempts spawned, by stage and agent.",
		}, []string{"stage", "agent"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "speckit",
			Subsystem: "orchestrator",
			Name:      "agent_completions_total",
			Help:      "Agent attempts that reached a terminal state.",
		}, []string{"stage", "agent", "state"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "speckit",
			Subsystem: "orchestrator",
			Name:      "agent_retries_total",
			Help:      "Agent attempts scheduled for retry.",
		}, []string{"stage", "agent"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "speckit",
			Subsystem: "orchestrator",
			Name:      "agent_duration_seconds",
			Help:      "Wall time of one agent attempt.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"stage", "state"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "speckit",
			Subsystem: "orchestrator",
			Name:      "agents_active",
			Help:      "Agent processes currently running.",
		}),
	}

	m.spawns = register(reg, m.spawns)
	m.completions = register(reg, m.completions)
	m.retries = register(reg, m.retries)
	m.duration = register(reg, m.duration)
	m.active = register(reg, m.active)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) spawned(stage, agent string) {
	if m == nil {
		return
	}
	m.spawns.WithLabelValues(stage, agent).Inc()
	m.active.Inc()
}

func (m *Metrics) finished(stage, agent, state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.completions.WithLabelValues(stage, agent, state).Inc()
	m.duration.WithLabelValues(stage, state).Observe(elapsed.Seconds())
}

func (m *Metrics) retried(stage, agent string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(stage, agent).Inc()
}
