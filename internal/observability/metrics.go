package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	roundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckask_rounds_total",
			Help: "Total number of question rounds by outcome.",
		},
		[]string{"outcome"},
	)
	synthesisAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckask_synthesis_attempts_total",
			Help: "Total number of SQL synthesis attempts by outcome.",
		},
		[]string{"outcome"},
	)
	validationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckask_validation_failures_total",
			Help: "Total number of rejected SQL drafts by failure kind.",
		},
		[]string{"kind"},
	)
	modelLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckask_model_latency_seconds",
			Help:    "Language model call latency by operation.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"operation"},
	)
	queryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duckask_query_duration_seconds",
			Help:    "DuckDB execution latency for accepted SQL.",
			Buckets: prometheus.DefBuckets,
		},
	)
	promptTokens = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duckask_prompt_tokens",
			Help:    "Estimated prompt size in tokens.",
			Buckets: []float64{250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		},
	)
	datasetLoadSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckask_dataset_load_seconds",
			Help:    "Time to register a dataset location, by source kind and cache result.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "cache"},
	)
)

func init() {
	prometheus.MustRegister(
		roundsTotal,
		synthesisAttemptsTotal,
		validationFailuresTotal,
		modelLatencySeconds,
		queryDurationSeconds,
		promptTokens,
		datasetLoadSeconds,
	)
}

func ObserveRound(outcome string) {
	roundsTotal.WithLabelValues(outcome).Inc()
}

func ObserveSynthesisAttempt(outcome string) {
	synthesisAttemptsTotal.WithLabelValues(outcome).Inc()
}

func ObserveValidationFailure(kind string) {
	validationFailuresTotal.WithLabelValues(kind).Inc()
}

func ObserveModelLatency(operation string, elapsed time.Duration) {
	modelLatencySeconds.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func ObserveQueryDuration(elapsed time.Duration) {
	queryDurationSeconds.Observe(elapsed.Seconds())
}

func ObservePromptTokens(tokens int) {
	if tokens < 0 {
		tokens = 0
	}
	promptTokens.Observe(float64(tokens))
}

func ObserveDatasetLoad(kind string, cacheHit bool, elapsed time.Duration) {
	cache := "miss"
	if cacheHit {
		cache = "hit"
	}
	datasetLoadSeconds.WithLabelValues(kind, cache).Observe(elapsed.Seconds())
}
