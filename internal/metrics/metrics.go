// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ava",
		Name:      "events_ingested_total",
		Help:      "Track events accepted, by category.",
	}, []string{"category"})

	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ava",
		Name:      "evaluations_total",
		Help:      "Completed evaluations, by engine and decision.",
	}, []string{"engine", "decision"})

	EvaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ava",
		Name:      "evaluation_duration_seconds",
		Help:      "Wall time of one evaluation flush.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"engine"})

	InterventionsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ava",
		Name:      "interventions_fired_total",
		Help:      "Interventions created, by tier.",
	}, []string{"tier"})

	GateOverrides = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ava",
		Name:      "gate_overrides_total",
		Help:      "Gate overrides applied, by rule id.",
	}, []string{"rule"})

	OutcomesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ava",
		Name:      "outcomes_recorded_total",
		Help:      "Terminal intervention outcomes, by status.",
	}, []string{"status"})

	DatapointsAssembled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ava",
		Name:      "training_datapoints_total",
		Help:      "Training datapoints assembled.",
	})

	PersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ava",
		Name:      "persist_failures_total",
		Help:      "Hot-path writes dropped after retry exhaustion, by entity.",
	}, []string{"entity"})

	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ava",
		Name:      "invariant_violations_total",
		Help:      "Scoring invariant breaches detected and clamped.",
	})

	LLMFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ava",
		Name:      "llm_fallbacks_total",
		Help:      "Evaluations that fell back from the llm to the fast engine.",
	})

	ShadowDivergence = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ava",
		Name:      "shadow_composite_divergence",
		Help:      "Absolute composite divergence between production and shadow.",
		Buckets:   []float64{1, 2, 5, 10, 15, 20, 30, 50},
	})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ava",
		Name:      "job_runs_total",
		Help:      "Scheduled job executions, by job and status.",
	}, []string{"job", "status"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ava",
		Name:      "active_sessions",
		Help:      "Sessions currently held in the evaluator.",
	})
)
