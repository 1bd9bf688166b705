// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// MessagesTotal tracks send attempts by kind and outcome.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Message send attempts",
		},
		[]string{"kind", "status"},
	)

	// PreviewUpdateFailures counts last-message preview writes that failed
	// after the message itself was stored.
	PreviewUpdateFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversation_preview_update_failures_total",
			Help: "Failed denormalized preview updates",
		},
	)

	// SnapshotsDelivered counts message snapshots pushed to listeners.
	SnapshotsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_snapshots_delivered_total",
			Help: "Message list snapshots delivered to listeners",
		},
	)

	// SubscriptionsActive tracks live conversation subscriptions.
	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_subscriptions_active",
			Help: "Number of live conversation subscriptions",
		},
	)

	// SubscriptionErrors counts subscriptions that ended with an error.
	SubscriptionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_subscription_errors_total",
			Help: "Subscriptions terminated by a source error",
		},
	)

	// ReadMarksTotal counts read-state marks by result.
	ReadMarksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readstate_marks_total",
			Help: "Read-state mark operations",
		},
		[]string{"result"},
	)

	// AIRequestDuration tracks AI endpoint request duration.
	AIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI endpoint request duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"provider", "status"},
	)

	// AIRequestsTotal counts AI requests by outcome, including rejected ones.
	AIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "AI turn requests",
		},
		[]string{"status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordAIRequest records metrics for one AI endpoint call.
func RecordAIRequest(provider, model, status string, duration float64, tokensIn, tokensOut int) {
	AIRequestDuration.WithLabelValues(provider, status).Observe(duration)
	AIRequestsTotal.WithLabelValues(status).Inc()
	if model != "" {
		LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
		LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
	}
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
