// Package metrics provides the Prometheus registry used by resilient-fetch.
// All metrics are defined in their respective packages (client, queue,
// ratelimit, pagination) to maintain modularity and avoid circular
// dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics registered in Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - fetch_requests_total{method, status} (Counter): Physical attempts by method and HTTP status
//     (status is "timeout" or "network_error" for failed connections)
//   - fetch_request_duration_seconds{method} (Histogram): Logical request duration, retries included
//   - fetch_errors_total{class} (Counter): Failed attempts by class (client, server, rate_limit, timeout, network, unclassified)
//
// Retry Metrics (pkg/client):
//   - fetch_retries_total{error_class} (Counter): Retry attempts by error class
//   - fetch_retry_backoff_seconds{error_class} (Histogram): Wait before a retry by error class
//   - fetch_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Queue Metrics (pkg/queue):
//   - fetch_queue_running (Gauge): Logical requests currently running
//   - fetch_queue_waiting (Gauge): Logical requests waiting for admission
//   - fetch_queue_admission_seconds (Histogram): Time spent waiting for admission
//
// Rate Limit Metrics (pkg/ratelimit):
//   - fetch_rate_limit_blocks_total (Counter): Server-announced resets recorded by the gate
//   - fetch_rate_limit_waits_total (Counter): Attempts delayed by an active reset
//   - fetch_rate_limit_wait_seconds (Histogram): Time attempts spent at the gate
//
// Pagination Metrics (pkg/pagination):
//   - fetch_pages_total (Counter): Pages fetched by pagination iterators
//
// Example Prometheus Queries:
//
//   # Retry Rate
//   sum(rate(fetch_retries_total[5m])) / sum(rate(fetch_requests_total[5m]))
//
//   # Queue Saturation
//   fetch_queue_waiting > 0
//
//   # Request Error Rate
//   rate(fetch_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(fetch_request_duration_seconds_bucket[5m]))
//
//   # Rate Limited Share
//   rate(fetch_errors_total{class="rate_limit"}[5m]) / rate(fetch_requests_total[5m])
