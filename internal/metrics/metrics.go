// Package metrics provides Prometheus collectors for the extraction layer.
// Every stage of an extraction — gating, provider calls, assembly, repair,
// merging — reports through these vectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "evermind"

// LatencyBuckets covers provider round trips from fast cache-like responses
// to multi-minute completions.
var LatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1.0, 1.5, 2.0, 3.0, 4.0, 5.0,
	7.5, 10.0, 15.0, 20.0, 30.0, 60.0, 120.0, 180.0,
}

// ParseBuckets covers the assembly/repair/validation phase, which is local
// CPU work.
var ParseBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
}

var (
	// ExtractionRequests counts finished extractions by terminal outcome.
	ExtractionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_requests_total",
			Help:      "Total extraction requests by terminal outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	// ProviderAttempts counts individual provider call attempts.
	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider call attempts by outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	// InputTokens accumulates prompt tokens sent.
	InputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_tokens_total",
			Help:      "Cumulative prompt tokens sent to providers",
		},
		[]string{"provider", "model"},
	)

	// OutputTokens accumulates completion tokens received.
	OutputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_tokens_total",
			Help:      "Cumulative completion tokens received from providers",
		},
		[]string{"provider", "model"},
	)

	// SpendUSD accumulates reconciled call cost.
	SpendUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_usd_total",
			Help:      "Cumulative reconciled provider spend in USD",
		},
		[]string{"provider", "model"},
	)

	// ProviderLatency tracks the provider round-trip phase.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Provider round-trip latency",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider", "model"},
	)

	// ParseLatency tracks the assembly/repair/validation phase.
	ParseLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "parse_latency_seconds",
			Help:      "Response assembly, repair and validation latency",
			Buckets:   ParseBuckets,
		},
		[]string{"provider", "model"},
	)

	// CircuitState exports the breaker state per provider: 0 closed,
	// 1 open, 2 half_open.
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"provider"},
	)

	// BudgetUtilization exports the daily budget utilization percent.
	BudgetUtilization = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_utilization_percent",
			Help:      "Daily budget utilization percent (0 when disabled)",
		},
	)

	// RepairAttempts counts repair passes by pass name and result.
	RepairAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repair_attempts_total",
			Help:      "JSON repair passes by pass and result",
		},
		[]string{"pass", "result"},
	)

	// SchemaValidations counts schema validation attempts by result.
	SchemaValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_validations_total",
			Help:      "Schema validation attempts by result",
		},
		[]string{"result"},
	)

	// FallbackInvocations counts fallback-provider attempts by the error
	// kind that triggered them.
	FallbackInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_invocations_total",
			Help:      "Fallback provider invocations by triggering error kind",
		},
		[]string{"from_provider", "to_provider", "reason"},
	)
)
