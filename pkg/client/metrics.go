package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for client operations.
var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_requests_total",
		Help: "Total physical attempts by method and status",
	}, []string{"method", "status"})

	fetchRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fetch_request_duration_seconds",
		Help:    "Logical request duration in seconds by method, retries included",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"method"})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_errors_total",
		Help: "Total failed attempts by class",
	}, []string{"class"})

	fetchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	fetchRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fetch_retry_backoff_seconds",
		Help:    "Wait before a retry by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	fetchRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)
