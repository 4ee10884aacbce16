package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arctic_commits_total",
		Help: "Total number of table commit attempts by result.",
	}, []string{"result"})

	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arctic_commit_duration_seconds",
		Help:    "Duration of single table commit attempts.",
		Buckets: prometheus.DefBuckets,
	})

	CommitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arctic_commit_retries_total",
		Help: "Total number of commits retried after a conflict.",
	})

	MaintenanceFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arctic_maintenance_files_total",
		Help: "Total number of files rewritten or removed by maintenance.",
	}, []string{"operation"})

	SnapshotsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arctic_snapshots_expired_total",
		Help: "Total number of snapshots removed by expiration.",
	})

	DroppedTablesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arctic_dropped_tables_expired_total",
		Help: "Total number of soft-deleted tables forgotten after their expiration.",
	})

	RecordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arctic_records_ingested_total",
		Help: "Total number of replicated records committed.",
	}, []string{"table"})

	ProxyQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arctic_proxy_queries_total",
		Help: "Total number of queries answered by the proxy.",
	}, []string{"kind"})
)

// Commit results.
const (
	ResultSuccess  = "success"
	ResultConflict = "conflict"
	ResultError    = "error"
)
