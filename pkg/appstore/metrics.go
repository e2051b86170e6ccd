package appstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for session and entry operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appstore_requests_total",
		Help: "Total App Store requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "appstore_request_duration_seconds",
		Help:    "App Store request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appstore_errors_total",
		Help: "Total App Store errors by class",
	}, []string{"class"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appstore_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "appstore_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 3, 6, 12, 24, 48, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appstore_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})

	// ReviewsYielded counts reviews handed to consumers of Entry.Reviews.
	ReviewsYielded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "appstore_reviews_yielded_total",
		Help: "Total number of reviews yielded to consumers",
	})

	// TokensFetched counts access tokens scraped from app pages.
	TokensFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "appstore_tokens_fetched_total",
		Help: "Total number of access token lookups by outcome",
	}, []string{"outcome"}) // "ok", "missing", "not_found", "error"
)
