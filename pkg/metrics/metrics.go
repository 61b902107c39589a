// Package metrics exposes kiln's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	PoolWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_pool_workers",
			Help: "Number of tracked workers by state",
		},
		[]string{"state"},
	)

	PoolWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_pool_waiters",
			Help: "Number of acquire calls waiting for a ready worker",
		},
	)

	PoolAcquireDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_pool_acquire_duration_seconds",
			Help:    "Time spent waiting for a worker in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkersSpawned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_pool_workers_spawned_total",
			Help: "Total number of workers created by replenishment",
		},
	)

	WorkersDestroyed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_pool_workers_destroyed_total",
			Help: "Total number of workers deleted",
		},
	)

	// Execution metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_executions_total",
			Help: "Total number of code executions by outcome",
		},
		[]string{"outcome"},
	)

	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_execution_duration_seconds",
			Help:    "End to end execution duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// File store metrics
	StoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_store_ops_total",
			Help: "Total number of file store operations by op and status",
		},
		[]string{"op", "status"},
	)

	StoreBytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_store_bytes_written_total",
			Help: "Total bytes written to the blob store",
		},
	)

	StoreReclaimedBlobs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_store_reclaimed_blobs_total",
			Help: "Total number of blobs removed by reclamation",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(PoolWorkers)
	prometheus.MustRegister(PoolWaiters)
	prometheus.MustRegister(PoolAcquireDuration)
	prometheus.MustRegister(WorkersSpawned)
	prometheus.MustRegister(WorkersDestroyed)
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(StoreOpsTotal)
	prometheus.MustRegister(StoreBytesWritten)
	prometheus.MustRegister(StoreReclaimedBlobs)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
