// Package telemetry provides application-level observability for the project
// storage service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<PSTORE_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not part of the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Storage backend operation counters, latencies and bytes written
//   - Retention sweep runs, deletions and failures
//   - CDN resolver outcomes
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/projects/:project/files/:fileId)
// rather than the raw request URL. Storage metrics are labelled by backend and
// operation only; project names and file ids never become label values.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/project-storage/project-storage/internal/safego"
)

// HTTP metrics: labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Storage metrics: recorded by the project storage façade around every
// backend call.
//
// StorageOperationsTotal has labels {backend, op, outcome} where outcome is
// "ok", "not_found" or "error".
//
// Example PromQL queries:
//   - Failing operations:  sum by (backend, op) (rate(storage_operations_total{outcome="error"}[5m]))
//   - Upload throughput:   rate(storage_bytes_written_total[5m])
var (
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of storage backend operations, by backend, operation, and outcome.",
		},
		[]string{"backend", "op", "outcome"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Histogram of storage backend operation latencies, by backend and operation.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120},
		},
		[]string{"backend", "op"},
	)

	StorageBytesWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_bytes_written_total",
			Help: "Total number of bytes written to storage, by backend and file group.",
		},
		[]string{"backend", "group"},
	)
)

// Retention sweep metrics: recorded by the retention sweeper job.
//
// Example PromQL queries:
//   - Deleted per hour:      increase(sweep_files_deleted_total[1h])
//   - Alert expression:      increase(sweep_failures_total[1h]) > 0
var (
	SweepRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_runs_total",
			Help: "Total number of completed retention sweep passes.",
		},
	)

	SweepFilesDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_files_deleted_total",
			Help: "Total number of unused files deleted by the retention sweeper.",
		},
	)

	SweepFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_failures_total",
			Help: "Total number of project sweeps that failed to list candidates.",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Duration of a complete retention sweep pass over all projects.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// CDNResolutionsTotal has the label {outcome}: "ok", "forbidden", "not_found" or "error".
var CDNResolutionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cdn_resolutions_total",
		Help: "Total number of CDN link resolutions, by outcome.",
	},
	[]string{"outcome"},
)

// DBOpenConnections tracks the number of open connections held by the sql.DB
// pool. It is sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples sql.DB connection pool statistics every 30
// seconds until ctx is done or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	safego.Go("db-stats-collector", func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := db.PingContext(ctx); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	})
}

// ObserveStorageOp records one backend call.
func ObserveStorageOp(backend, op, outcome string, elapsed time.Duration) {
	StorageOperationsTotal.WithLabelValues(backend, op, outcome).Inc()
	StorageOperationDuration.WithLabelValues(backend, op).Observe(elapsed.Seconds())
}
