// Package metrics exposes Prometheus metrics for the decision pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Veraticus/tally/internal/llm"
	"github.com/Veraticus/tally/internal/model"
)

const namespace = "tally"

var (
	// DecisionsTotal counts decisions.
	// Labels: source, risk_level
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of classification decisions by source and risk level",
		},
		[]string{"source", "risk_level"},
	)

	// ReviewDecisionsTotal counts decisions flagged for human review.
	ReviewDecisionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_decisions_total",
			Help:      "Total number of decisions that need human review",
		},
	)

	// OrchestratorStatesTotal counts where LLM orchestration ended.
	// Labels: state (O1, G1, ...)
	OrchestratorStatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "orchestrator_states_total",
			Help:      "Total number of orchestration runs by final state",
		},
		[]string{"state"},
	)

	// ProviderCallsTotal counts provider calls.
	// Labels: provider, stage, outcome (ok or a failure flag)
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "provider_calls_total",
			Help:      "Total number of LLM provider calls by outcome",
		},
		[]string{"provider", "stage", "outcome"},
	)

	// ProviderCallDuration tracks provider call latency.
	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "provider_call_duration_seconds",
			Help:      "Duration of LLM provider calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// CorrectionsTotal counts correction attempts.
	// Labels: result (applied, already_corrected, not_found, invalid_category, error)
	CorrectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corrections_total",
			Help:      "Total number of correction attempts by result",
		},
		[]string{"result"},
	)

	// EmbeddingFailuresTotal counts classifications that ran without an embedding.
	EmbeddingFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_failures_total",
			Help:      "Total number of failed embedding requests",
		},
	)

	// ClassificationDuration tracks end-to-end classification latency.
	ClassificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classification_duration_seconds",
			Help:      "Duration of classification requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source"},
	)
)

// ObserveDecision records a finished classification.
func ObserveDecision(d model.Decision, elapsed time.Duration) {
	DecisionsTotal.WithLabelValues(string(d.Source), string(d.RiskLevel)).Inc()
	ClassificationDuration.WithLabelValues(string(d.Source)).Observe(elapsed.Seconds())
	if d.NeedsReview {
		ReviewDecisionsTotal.Inc()
	}
}

// ObserveOrchestration records the state and every call of a run.
func ObserveOrchestration(out llm.Outcome) {
	OrchestratorStatesTotal.WithLabelValues(string(out.State)).Inc()
	for _, call := range out.Calls {
		outcome := "ok"
		if !call.Valid() {
			outcome = call.Failure
		}
		ProviderCallsTotal.WithLabelValues(call.Provider, call.Stage, outcome).Inc()
		ProviderCallDuration.WithLabelValues(call.Provider).Observe(call.Duration.Seconds())
	}
}

// ObserveCorrection records a correction attempt.
func ObserveCorrection(result string) {
	CorrectionsTotal.WithLabelValues(result).Inc()
}
