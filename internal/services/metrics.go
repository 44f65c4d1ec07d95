// Package services – batch metrics
//
// Prometheus instrumentation for batch runs. Outcome labels are the batch
// stat categories, so dashboards can track change rates (new versions vs.
// unchanged no-ops) over time with bounded cardinality.
package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// batchRuns counts batch coordinator invocations by final status.
	batchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_runs_total",
			Help: "Total number of batch runs.",
		},
		[]string{"status"},
	)

	// batchRecords counts processed records by outcome category.
	batchRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_records_total",
			Help: "Total number of records processed by outcome.",
		},
		[]string{"outcome"},
	)

	// batchDuration records the wall time of whole batch runs.
	batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_duration_seconds",
			Help:    "Duration of batch runs in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)
)

func init() {
	prometheus.MustRegister(batchRuns, batchRecords, batchDuration)
}

func observeBatch(status string, stats BatchStats, elapsed time.Duration) {
	batchRuns.WithLabelValues(status).Inc()
	batchRecords.WithLabelValues("inserted").Add(float64(stats.Inserted))
	batchRecords.WithLabelValues("new_version").Add(float64(stats.NewVersions))
	batchRecords.WithLabelValues("unchanged").Add(float64(stats.Unchanged))
	batchRecords.WithLabelValues("error").Add(float64(stats.Errors))
	batchDuration.Observe(elapsed.Seconds())
}
