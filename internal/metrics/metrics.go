// Package metrics declares the prometheus instruments exported by the API
// server and the landing worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsSubmitted counts landing requests accepted by the API.
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treeline_jobs_submitted_total",
		Help: "Landing jobs accepted for processing.",
	}, []string{"repo"})

	// JobsFinished counts jobs by terminal (or deferred) outcome.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treeline_jobs_finished_total",
		Help: "Landing jobs that reached an outcome, by status.",
	}, []string{"repo", "status"})

	// LandingDuration observes seconds from claim to outcome.
	LandingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "treeline_landing_duration_seconds",
		Help:    "Time spent processing a single landing job.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"repo"})

	// PushRetries counts pushes lost to another writer and retried.
	PushRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treeline_push_retries_total",
		Help: "Pushes that lost a race against another head and were retried.",
	}, []string{"repo"})

	// RequestDuration observes API request latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "treeline_request_duration_seconds",
		Help:    "API request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "code"})
)

// Handler returns the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
