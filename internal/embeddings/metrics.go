package embeddings

import (
	"time"

	"github.com/civicpulse/question-engine/internal/platform/observability"
)

// Metric status constants.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// RecordRequest records an embedding request metric.
func RecordRequest(provider string, success bool) {
	status := StatusSuccess
	if !success {
		status = StatusError
	}

	observability.EmbeddingRequests.WithLabelValues(provider, status).Inc()
}

// RecordLatency records embedding request latency.
func RecordLatency(provider string, duration time.Duration) {
	observability.EmbeddingLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordFallback records a provider-to-provider fallback event.
func RecordFallback(fromProvider, toProvider string) {
	observability.EmbeddingFallbacks.WithLabelValues(fromProvider, toProvider).Inc()
}

// SetProviderAvailable sets the availability status of a provider.
func SetProviderAvailable(provider string, available bool) {
	value := 0.0
	if available {
		value = 1.0
	}

	observability.EmbeddingProviderAvailable.WithLabelValues(provider).Set(value)
}
