// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shipline"

var (
	// ProviderRequests counts provider HTTP attempts.
	// Labels: provider, method, outcome (ok, client_error, server_error, transport_error)
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "requests_total",
		Help:      "Provider HTTP request attempts by outcome",
	}, []string{"provider", "method", "outcome"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "request_duration_seconds",
		Help:      "Provider HTTP request latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"provider", "method"})

	// Provisioning counts provisioning operations.
	// Labels: component (backend, frontend), operation (create, delete, redeploy), result (ok, error, reused, compensated)
	Provisioning = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "infra",
		Name:      "operations_total",
		Help:      "Provisioning operations by result",
	}, []string{"component", "operation", "result"})

	BuildChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "build",
		Name:      "checks_total",
		Help:      "Build health checks by build type and resulting status",
	}, []string{"type", "status"})

	// OutboxDeliveries counts delivery attempts.
	// Labels: kind, result (delivered, retry, dead)
	OutboxDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "deliveries_total",
		Help:      "Outbox delivery attempts by result",
	}, []string{"kind", "result"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Notification sends by result",
	}, []string{"result"})
)

// ObserveProvider records one provider attempt.
func ObserveProvider(provider, method, outcome string, elapsed time.Duration) {
	ProviderRequests.WithLabelValues(provider, method, outcome).Inc()
	ProviderLatency.WithLabelValues(provider, method).Observe(elapsed.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
