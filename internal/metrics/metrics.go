// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Submissions counts answer submissions by result: accepted or a rejection code.
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiz_arena_submissions_total",
			Help: "Answer submissions by result",
		},
		[]string{"result"},
	)

	// Registrations counts registration calls: created, repeat or a rejection code.
	Registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiz_arena_registrations_total",
			Help: "Registration attempts by result",
		},
		[]string{"result"},
	)

	// Transitions counts conditional status updates by target and outcome.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiz_arena_transitions_total",
			Help: "Status transition attempts by target status and outcome",
		},
		[]string{"to", "outcome"},
	)

	// BroadcastFailures counts dropped best-effort deliveries.
	BroadcastFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiz_arena_broadcast_failures_total",
			Help: "Best-effort publishes that failed",
		},
		[]string{"kind"},
	)

	// OpenSockets tracks connected websocket clients.
	OpenSockets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quiz_arena_open_sockets",
			Help: "Currently connected websocket clients",
		},
	)

	// SubmitDuration observes server-side submission handling time.
	SubmitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quiz_arena_submit_duration_seconds",
			Help:    "Time spent validating and storing a submission",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
