package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics contains Prometheus metrics for incremental ticket sync.
type SyncMetrics struct {
	ticksTotal    *prometheus.CounterVec
	tickDuration  prometheus.Histogram
	actionsTotal  *prometheus.CounterVec
	cursorGauge   prometheus.Gauge
	lastTickGauge prometheus.Gauge

	collectors []prometheus.Collector
}

// NewSyncMetrics creates and registers new sync metrics
func NewSyncMetrics(registry *prometheus.Registry) (*SyncMetrics, error) {
	m := &SyncMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SyncMetrics) initMetrics() {
	m.ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskbridge_sync_ticks_total",
			Help: "Incremental sync ticks by result",
		},
		[]string{"status"}, // success, error, busy
	)

	m.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "deskbridge_sync_tick_duration_seconds",
		Help:    "Time taken by one sync tick",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15),
	})

	m.actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskbridge_sync_actions_total",
			Help: "Records touched by sync ticks",
		},
		[]string{"action"}, // created, patched, comment
	)

	m.cursorGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deskbridge_sync_cursor_timestamp_seconds",
		Help: "Unix time of the sync cursor",
	})

	m.lastTickGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deskbridge_sync_last_success_timestamp_seconds",
		Help: "Unix time of the last successful tick",
	})

	m.collectors = []prometheus.Collector{
		m.ticksTotal,
		m.tickDuration,
		m.actionsTotal,
		m.cursorGauge,
		m.lastTickGauge,
	}
}

// Describe implements the Collector interface
func (m *SyncMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *SyncMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordTick records a tick result and its duration in seconds
func (m *SyncMetrics) RecordTick(status string, duration float64) {
	m.ticksTotal.WithLabelValues(status).Inc()
	if status != StatusBusy {
		m.tickDuration.Observe(duration)
	}
}

// RecordActions adds n to the counter for action
func (m *SyncMetrics) RecordActions(action string, n int) {
	if n > 0 {
		m.actionsTotal.WithLabelValues(action).Add(float64(n))
	}
}

// SetCursor records the cursor position and the time of the successful tick
func (m *SyncMetrics) SetCursor(cursorUnix, tickUnix int64) {
	m.cursorGauge.Set(float64(cursorUnix))
	m.lastTickGauge.Set(float64(tickUnix))
}
