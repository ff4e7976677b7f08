// Package metrics provides Prometheus metrics for the storage engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine updates. One instance is created
// per registry and handed to the components that need it.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Backend driver metrics
	BackendRequests *prometheus.CounterVec   // artifactstore_backend_requests_total{type,operation,status}
	BackendDuration *prometheus.HistogramVec // artifactstore_backend_request_duration_seconds{type,operation}
	BackendRetries  *prometheus.CounterVec   // artifactstore_backend_retries_total{operation}
	DriverPoolSize  prometheus.Gauge         // artifactstore_driver_pool_clients

	// Reference counter and GC
	RefOperations *prometheus.CounterVec // artifactstore_refcount_operations_total{operation,result}
	GCBlobs       *prometheus.CounterVec // artifactstore_gc_blobs_total{result}

	// Cache layer
	CacheRequests  *prometheus.CounterVec // artifactstore_cache_requests_total{result}
	CacheEvictions prometheus.Counter     // artifactstore_cache_evictions_total
	CacheFlushes   *prometheus.CounterVec // artifactstore_cache_flushes_total{status}
	CacheDirty     prometheus.Gauge       // artifactstore_cache_dirty_entries
	CacheBytes     prometheus.Gauge       // artifactstore_cache_bytes

	// Block uploads
	BlocksStored   prometheus.Counter     // artifactstore_blocks_stored_total
	BlockCombines  *prometheus.CounterVec // artifactstore_block_combines_total{status}
	UploadSessions prometheus.Gauge       // artifactstore_upload_sessions

	// Migration
	MigrationNodes *prometheus.CounterVec // artifactstore_migration_nodes_total{phase,status}
	MigrationTasks *prometheus.GaugeVec   // artifactstore_migration_tasks{state}

	// Archive tier
	ArchiveOperations *prometheus.CounterVec // artifactstore_archive_operations_total{operation,status}
	ArchiveSavedBytes prometheus.Counter     // artifactstore_archive_saved_bytes_total

	// Capacity guard
	CapacityHealthy prometheus.Gauge // artifactstore_capacity_healthy
}

// New registers all metrics with reg. A nil registry gets a private one, which
// keeps tests independent of each other.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		BackendRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "artifactstore_backend_requests_total",
			Help: "Backend driver requests by type, operation and status",
		}, []string{"type", "operation", "status"}),
		BackendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "artifactstore_backend_request_duration_seconds",
			Help:    "Backend driver request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"type", "operation"}),
		BackendRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "artifactstore_backend_retries_total",
			Help: "Retried backend operations after a transient error",
		}, []string{"operation"}),
		DriverPoolSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "artifactstore_driver_pool_clients",
			Help: "Backend clients currently held by the driver pool",
		}),

		RefOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "artifactstore_refcount_operations_total",
			Help: "Reference count mutations by operation and result",
		}, []string{"operation", "result"}),
		GCBlobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "artifactstore_gc_blobs_total",
			Help: "Blobs visited by garbage collection by result",
		}, []string{"result"}),

		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "artifactstore_cache_requests_total",
			Help: "Cache reads by result (hit or miss)",
		}, []string{"result"}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "artifactstore_cache_evictions_total",
			Help: "Cache entries removed by the expiry sweep",
		}),
		CacheFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "artifactstore_cache_flushes_total",
			Help: "Asynchronous cache to backend flushes by status",
		}, []string{"status"}),
		CacheDirty: f.NewGauge(prometheus.GaugeOpts{
			Name: "artifactstore_cache_dirty_entries",
			Help: "Cache entries whose backend flush has exhausted its retries",
		}),
		CacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "artifactstore_cache_bytes",
			Help: "Bytes held in the local cache",
		}),

		BlocksStored: f.NewCounter(prometheus.CounterOpts{
			Name: "artifactstore_blocks_stored_total",
			Help: "Upload blocks stored",
		}),
		BlockCombines: f.NewCounterVec(prometheus.CounterOpts{
			Name: "artifactstore_block_combines_total",
			Help: "Block combine attempts by status",
		}, []string{"status"}),
		UploadSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "artifactstore_upload_sessions",
			Help: "Open chunked upload sessions",
		}),

		MigrationNodes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "artifactstore_migration_nodes_total",
			Help: "Nodes processed by migration tasks by phase and status",
		}, []string{"phase", "status"}),
		MigrationTasks: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "artifactstore_migration_tasks",
			Help: "Migration tasks by state",
		}, []string{"state"}),

		ArchiveOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "artifactstore_archive_operations_total",
			Help: "Archive compress and uncompress operations by status",
		}, []string{"operation", "status"}),
		ArchiveSavedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "artifactstore_archive_saved_bytes_total",
			Help: "Bytes saved by archive compression",
		}),

		CapacityHealthy: f.NewGauge(prometheus.GaugeOpts{
			Name: "artifactstore_capacity_healthy",
			Help: "1 if free disk and memory are above the configured thresholds",
		}),
	}
}

// NewWithRuntime is New plus the Go runtime and process collectors.
func NewWithRuntime(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return New(reg)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Status returns the label used for an operation outcome.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
