package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QuestionsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_questions_submitted_total",
		Help: "The total number of submitted questions by resulting status",
	}, []string{"status"})

	DedupOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_dedup_outcomes_total",
		Help: "Dedup pipeline outcomes (new, duplicate, related, fallback)",
	}, []string{"outcome"})

	DedupFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_dedup_fallbacks_total",
		Help: "Submissions deduplicated by text matching because embeddings were unavailable",
	})

	VotesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_votes_processed_total",
		Help: "Vote ledger writes by operation (cast, change, repeat, retract)",
	}, []string{"op"})

	VoteWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_vote_write_duration_seconds",
		Help:    "Duration of the vote write critical section",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_score_sweep_duration_seconds",
		Help:    "Duration of a full score sweep",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	SweepClustersRecomputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_sweep_clusters_recomputed_total",
		Help: "Clusters recomputed by the periodic score sweep",
	})

	AggregateDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_aggregate_drift_total",
		Help: "Cluster aggregates found out of sync with the vote ledger during sweeps",
	})

	FraudFlagsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_fraud_flags_total",
		Help: "Fraud flags raised by reason",
	}, []string{"reason"})

	FraudEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_fraud_events_dropped_total",
		Help: "Vote events dropped by the fraud monitor under backpressure",
	})

	RankingsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_rankings_served_total",
		Help: "GetTopQuestions reads by result (ok, error)",
	}, []string{"status"})

	EmbeddingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_embedding_requests_total",
		Help: "Embedding requests by provider and status",
	}, []string{"provider", "status"})

	EmbeddingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_embedding_latency_seconds",
		Help:    "Latency of embedding requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	EmbeddingFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_embedding_fallbacks_total",
		Help: "Provider-to-provider embedding fallbacks",
	}, []string{"from", "to"})

	EmbeddingProviderAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_embedding_provider_available",
		Help: "Whether an embedding provider is currently available (1) or not (0)",
	}, []string{"provider"})
)
