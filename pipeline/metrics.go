// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the pipeline core. Names match what the stack's
// Grafana dashboards already scrape.
var (
	metricValidationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_total",
		Help: "Total validation decisions, labelled by status and schema type.",
	}, []string{"status", "schema_type"})

	metricValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total validation failures, labelled by error kind.",
	}, []string{"error_type"})

	metricValidationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "validation_duration_seconds",
		Help:    "Time spent validating a single record.",
		Buckets: prometheus.DefBuckets,
	})

	metricDLQSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dead_letter_queue_size",
		Help: "Number of records in the dead letter queue.",
	})

	metricDataQualityScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "data_quality_score",
		Help: "Trailing-window accept ratio, 0-100.",
	})

	metricRecordsSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "records_synced_total",
		Help: "Records synced into the authoritative store, labelled by upsert outcome.",
	}, []string{"outcome"})

	metricSyncFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_failures_total",
		Help: "Per-record sync target failures.",
	})

	metricSyncLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_lag_seconds",
		Help: "Age of the oldest accepted record not yet synced.",
	})

	metricSyncQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_queue_size",
		Help: "Number of accepted records waiting to sync.",
	})

	metricSyncStuck = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_stuck_records",
		Help: "Records that exhausted their sync attempts and need operator attention.",
	})

	metricServiceStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "service_status",
		Help: "Component status (1=up, 0=down).",
	}, []string{"service"})

	metricHealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "health_check_total",
		Help: "Health checks performed, labelled by component and result.",
	}, []string{"service", "status"})
)

// ObserveDeadLetterStats publishes the gauges derived from a dead letter
// stats snapshot. Store implementations outside this package call it after
// computing stats.
func ObserveDeadLetterStats(stats *DeadLetterStats) {
	metricDLQSize.Set(float64(stats.TotalEntries))
	if stats.ScoreKnown {
		metricDataQualityScore.Set(stats.QualityScore)
	}
}
