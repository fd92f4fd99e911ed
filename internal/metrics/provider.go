// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProviderRequestsTotal counts outbound talking-head provider calls.
	ProviderRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wishreel_provider_requests_total",
		Help: "Total talking-head provider requests, by operation and HTTP status class.",
	}, []string{"operation", "code"})

	// ProviderRetriesTotal counts provider request retries, by operation.
	ProviderRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wishreel_provider_retries_total",
		Help: "Total provider request retries, by operation.",
	}, []string{"operation"})

	// WebhookEventsTotal counts inbound webhook deliveries by outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wishreel_webhook_events_total",
		Help: "Total webhook deliveries, by outcome (resolved|duplicate|unknown|invalid).",
	}, []string{"outcome"})

	// InferenceRequestsTotal counts local inference gateway calls.
	InferenceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wishreel_inference_requests_total",
		Help: "Total inference gateway requests, by operation and outcome.",
	}, []string{"operation", "outcome"})

	// CircuitBreakerState exposes breaker state per upstream (0 closed, 1 half-open, 2 open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wishreel_circuit_breaker_state",
		Help: "Circuit breaker state per upstream (0=closed, 1=half-open, 2=open).",
	}, []string{"upstream"})

	// NotifyDeliveriesTotal counts completion-callback posts by outcome.
	NotifyDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wishreel_notify_deliveries_total",
		Help: "Total completion notification attempts, by outcome (delivered|failed|blocked).",
	}, []string{"outcome"})
)

// RecordProviderRequest increments the provider call counter.
func RecordProviderRequest(operation, code string) {
	ProviderRequestsTotal.WithLabelValues(operation, code).Inc()
}

// RecordProviderRetry increments the provider retry counter.
func RecordProviderRetry(operation string) {
	ProviderRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordWebhookEvent increments the webhook delivery counter.
func RecordWebhookEvent(outcome string) {
	WebhookEventsTotal.WithLabelValues(outcome).Inc()
}

// RecordInferenceRequest increments the inference gateway counter.
func RecordInferenceRequest(operation, outcome string) {
	InferenceRequestsTotal.WithLabelValues(operation, outcome).Inc()
}

// SetCircuitBreakerState updates the breaker state gauge.
func SetCircuitBreakerState(upstream string, state int) {
	CircuitBreakerState.WithLabelValues(upstream).Set(float64(state))
}

// RecordNotifyDelivery increments the notification counter.
func RecordNotifyDelivery(outcome string) {
	NotifyDeliveriesTotal.WithLabelValues(outcome).Inc()
}
