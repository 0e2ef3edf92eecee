package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/speckit/internal/domain"
)

// Metrics holds the coordinator's Prometheus collectors.
type Metrics struct {
	runs     *prometheus.CounterVec
	phases   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns metrics registered with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics builds and registers the collectors on reg, reusing any
// that are already registered.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "speckit",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs that stopped, by final status.",
		}, []string{"status"}),
		phases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "speckit",
			Subsystem: "pipeline",
			Name:      "stage_outcomes_total",
			Help:      "Stages and gates that finished, by outcome.",
		}, []string{"stage", "phase", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "speckit",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of one stage or gate.",
			Buckets:   []float64{5, 30, 60, 300, 600, 1200, 1800, 3600},
		}, []string{"stage", "phase"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "speckit",
			Subsystem: "pipeline",
			Name:      "runs_active",
			Help:      "Pipeline runs in progress.",
		}),
	}
	m.runs = register(reg, m.runs)
	m.phases = register(reg, m.phases)
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

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) finished(status domain.PipelineStatus) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.runs.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) phase(stage domain.Stage, pt domain.PhaseType, outcome domain.StageOutcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.phases.WithLabelValues(string(stage), string(pt), string(outcome)).Inc()
	m.duration.WithLabelValues(string(stage), string(pt)).Observe(elapsed.Seconds())
}
