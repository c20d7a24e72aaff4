package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MigrationMetrics contains Prometheus metrics for the full ticket backfill.
type MigrationMetrics struct {
	recordsTotal       *prometheus.CounterVec
	commentsTotal      prometheus.Counter
	batchesTotal       *prometheus.CounterVec
	batchDuration      prometheus.Histogram
	runsTotal          *prometheus.CounterVec
	runningGauge       prometheus.Gauge
	progressGauge      prometheus.Gauge
	retryRecordsTotal  *prometheus.CounterVec
	sourceRetriesTotal prometheus.Counter

	collectors []prometheus.Collector
}

// NewMigrationMetrics creates and registers new migration metrics
func NewMigrationMetrics(registry *prometheus.Registry) (*MigrationMetrics, error) {
	m := &MigrationMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MigrationMetrics) initMetrics() {
	m.recordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskbridge_migration_records_total",
			Help: "Legacy tickets processed by the full migration",
		},
		[]string{"outcome"}, // completed, skipped, failed
	)

	m.commentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deskbridge_migration_comments_total",
		Help: "Task comments created by the full migration",
	})

	m.batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskbridge_migration_batches_total",
			Help: "Migration batches by transaction status",
		},
		[]string{"status"}, // committed, rolled_back
	)

	m.batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "deskbridge_migration_batch_duration_seconds",
		Help:    "Time taken to process one migration batch",
		Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount15),
	})

	m.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskbridge_migration_runs_total",
			Help: "Completed migration runs by result",
		},
		[]string{"status", "dry_run"},
	)

	m.runningGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deskbridge_migration_running",
		Help: "1 while a migration run is in progress",
	})

	m.progressGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deskbridge_migration_progress_ratio",
		Help: "Processed share of the current run's record total",
	})

	m.retryRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskbridge_migration_retry_records_total",
			Help: "Failed ledger records re-attempted by retry-failed",
		},
		[]string{"outcome"},
	)

	m.sourceRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deskbridge_legacy_read_retries_total",
		Help: "Transient legacy read errors that were retried",
	})

	m.collectors = []prometheus.Collector{
		m.recordsTotal,
		m.commentsTotal,
		m.batchesTotal,
		m.batchDuration,
		m.runsTotal,
		m.runningGauge,
		m.progressGauge,
		m.retryRecordsTotal,
		m.sourceRetriesTotal,
	}
}

// Describe implements the Collector interface
func (m *MigrationMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *MigrationMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordRecord counts one processed ticket by outcome
func (m *MigrationMetrics) RecordRecord(outcome string) {
	m.recordsTotal.WithLabelValues(outcome).Inc()
}

// RecordComments counts created comments
func (m *MigrationMetrics) RecordComments(n int) {
	m.commentsTotal.Add(float64(n))
}

// RecordBatch records a batch result and its duration in seconds
func (m *MigrationMetrics) RecordBatch(status string, duration float64) {
	m.batchesTotal.WithLabelValues(status).Inc()
	m.batchDuration.Observe(duration)
}

// RecordRun records the end of a run
func (m *MigrationMetrics) RecordRun(status string, dryRun bool) {
	label := "false"
	if dryRun {
		label = "true"
	}
	m.runsTotal.WithLabelValues(status, label).Inc()
}

// SetRunning toggles the running gauge
func (m *MigrationMetrics) SetRunning(running bool) {
	if running {
		m.runningGauge.Set(1)
		return
	}
	m.runningGauge.Set(0)
}

// SetProgress updates the progress ratio gauge
func (m *MigrationMetrics) SetProgress(processed, total int) {
	if total <= 0 {
		m.progressGauge.Set(0)
		return
	}
	m.progressGauge.Set(float64(processed) / float64(total))
}

// RecordRetry counts one record re-attempted from the failed ledger
func (m *MigrationMetrics) RecordRetry(outcome string) {
	m.retryRecordsTotal.WithLabelValues(outcome).Inc()
}

// RecordSourceRetry counts a retried legacy read
func (m *MigrationMetrics) RecordSourceRetry() {
	m.sourceRetriesTotal.Inc()
}
