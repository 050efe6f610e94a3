// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/helios-quant/strategy-engine/pkg/types"
)

// Metrics holds the engine's Prometheus collectors, registered on a
// per-process registry so tests can use isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	TicksTotal          *prometheus.CounterVec
	CycleFailuresTotal  *prometheus.CounterVec
	EventsAppendedTotal prometheus.Counter
	InstructionsTotal   *prometheus.CounterVec
	RiskLevel           *prometheus.GaugeVec
	CycleDuration       prometheus.Histogram
	ActiveRuns          prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		TicksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_ticks_total",
			Help: "Processed ticks by run and loop kind (tight or full).",
		}, []string{"run", "kind"}),
		CycleFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_cycle_failures_total",
			Help: "Cycle failures by run and error code.",
		}, []string{"run", "code"}),
		EventsAppendedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_events_appended_total",
			Help: "Audit-trail events appended across all runs.",
		}),
		InstructionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_instructions_total",
			Help: "Routed instructions by venue and outcome.",
		}, []string{"venue", "outcome"}),
		RiskLevel: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_risk_level",
			Help: "Current overall risk level per run (0=OK, 1=WARNING, 2=CRITICAL).",
		}, []string{"run"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_cycle_duration_seconds",
			Help:    "Wall time of one processed tick.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_active_runs",
			Help: "Number of runs currently executing.",
		}),
	}
}

// ObserveRisk records the overall risk level for a run.
func (m *Metrics) ObserveRisk(run string, level types.RiskLevel) {
	m.RiskLevel.WithLabelValues(run).Set(float64(level.Severity()))
}

// ObserveExecution records every instruction outcome of a cycle.
func (m *Metrics) ObserveExecution(result *types.ExecutionResult) {
	for _, r := range result.Results {
		m.InstructionsTotal.WithLabelValues(r.Instruction.Venue, string(r.Outcome)).Inc()
	}
}
