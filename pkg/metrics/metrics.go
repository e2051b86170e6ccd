// Package metrics exposes the Prometheus registry used by the App Store
// review client. Metrics are defined next to the code that records them
// (appstore, pagination, ratelimit) and registered via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the client packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads back everything registered on Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/appstore):
//   - appstore_requests_total{endpoint, status} (Counter): requests by endpoint (app_page, api) and status
//   - appstore_request_duration_seconds{endpoint} (Histogram): duration including retries
//   - appstore_errors_total{class} (Counter): errors by class (rate_limit, unavailable, network, client, server, decode)
//
// Retry Metrics (pkg/appstore):
//   - appstore_retries_total{error_class} (Counter)
//   - appstore_retry_backoff_seconds{error_class} (Histogram)
//   - appstore_retry_exhausted_total{error_class} (Counter)
//
// Entry Metrics (pkg/appstore, pkg/pagination):
//   - appstore_tokens_fetched_total{outcome} (Counter): ok, missing, not_found, error
//   - appstore_reviews_yielded_total (Counter)
//   - appstore_pages_fetched_total (Counter)
//
// Cooldown Metrics (pkg/ratelimit):
//   - appstore_cooldowns_total{reason} (Counter): cooldowns recorded from 429/503 Retry-After
//   - appstore_cooldown_wait_seconds (Histogram)
//   - appstore_cooldown_remaining_seconds (Gauge)
//
// Example Prometheus Queries:
//
//   # Retry rate
//   sum(rate(appstore_retries_total[5m])) by (error_class)
//
//   # Reviews per page
//   rate(appstore_reviews_yielded_total[5m]) / rate(appstore_pages_fetched_total[5m])
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(appstore_request_duration_seconds_bucket[5m]))
