// Package metrics registers the service's Prometheus collectors with the
// default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_reservations_total",
			Help: "Reservation attempts by outcome",
		},
		[]string{"outcome"},
	)

	transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_transitions_total",
			Help: "Committed booking status transitions by target status",
		},
		[]string{"status"},
	)

	storageConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "booking_storage_conflicts_total",
			Help: "Transactions retried after a serialization conflict",
		},
	)

	reaperReleases = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "booking_reaper_releases_total",
			Help: "Pending bookings released after their hold expired",
		},
	)

	paymentIntents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_intents_total",
			Help: "Payment intents created by resulting status",
		},
		[]string{"status"},
	)

	webhookOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhook_outcomes_total",
			Help: "Verified webhook outcomes relayed to the booking service",
		},
		[]string{"status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
)

func TrackReservation(outcome string) {
	reservations.WithLabelValues(outcome).Inc()
}

func TrackTransition(status string) {
	transitions.WithLabelValues(status).Inc()
}

func TrackStorageConflict() {
	storageConflicts.Inc()
}

func TrackReaperRelease() {
	reaperReleases.Inc()
}

func TrackPaymentIntent(status string) {
	paymentIntents.WithLabelValues(status).Inc()
}

func TrackWebhookOutcome(status string) {
	webhookOutcomes.WithLabelValues(status).Inc()
}

func ObserveRequest(method string, status int, d time.Duration) {
	requestDuration.WithLabelValues(method, http.StatusText(status)).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
