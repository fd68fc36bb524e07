// Package metrics holds the Prometheus collectors of the ledger service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommitsIngested counts reported commits by upsert outcome.
	CommitsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_commits_ingested_total",
		Help: "Commit reports applied to the ledger by outcome",
	}, []string{"outcome"})

	// ParentLinks counts parent references ensured during ingestion, whether
	// or not the parent was already recorded.
	ParentLinks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_parent_links_total",
		Help: "Parent references ensured in the ledger during ingestion",
	})

	// Batches counts report batches by resulting status.
	Batches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_report_batches_total",
		Help: "Commit report batches by status",
	}, []string{"status"})

	// Queries counts commit queries by shape and status.
	Queries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_queries_total",
		Help: "Commit queries by shape and status",
	}, []string{"shape", "status"})

	// RequestDuration tracks HTTP request latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	}, []string{"method", "status"})
)
