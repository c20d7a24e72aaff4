package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ReferenceMetrics contains Prometheus metrics for reference data sync and
// identity mapping.
type ReferenceMetrics struct {
	recordsTotal     *prometheus.CounterVec
	linksTotal       *prometheus.CounterVec
	domainDuration   *prometheus.HistogramVec
	identityBuilds   prometheus.Counter
	identityAccounts *prometheus.GaugeVec

	collectors []prometheus.Collector
}

// NewReferenceMetrics creates and registers new reference metrics
func NewReferenceMetrics(registry *prometheus.Registry) (*ReferenceMetrics, error) {
	m := &ReferenceMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ReferenceMetrics) initMetrics() {
	m.recordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskbridge_reference_records_total",
			Help: "Reference records processed by domain and outcome",
		},
		[]string{"domain", "outcome"},
	)

	m.linksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskbridge_reference_links_total",
			Help: "Relation links by domain and result",
		},
		[]string{"domain", "result"}, // linked, unresolved
	)

	m.domainDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskbridge_reference_sync_duration_seconds",
			Help:    "Time taken to sync one reference domain",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount15),
		},
		[]string{"domain"},
	)

	m.identityBuilds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deskbridge_identity_mapping_builds_total",
		Help: "Identity mappings rebuilt from the stores",
	})

	m.identityAccounts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deskbridge_identity_mapped_accounts",
			Help: "Size of the last identity mapping",
		},
		[]string{"kind"}, // employees, managers
	)

	m.collectors = []prometheus.Collector{
		m.recordsTotal,
		m.linksTotal,
		m.domainDuration,
		m.identityBuilds,
		m.identityAccounts,
	}
}

// Describe implements the Collector interface
func (m *ReferenceMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *ReferenceMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordRecord counts one reference record by outcome
func (m *ReferenceMetrics) RecordRecord(domain, outcome string) {
	m.recordsTotal.WithLabelValues(domain, outcome).Inc()
}

// RecordLink counts a relation link attempt
func (m *ReferenceMetrics) RecordLink(domain string, linked bool) {
	result := "unresolved"
	if linked {
		result = "linked"
	}
	m.linksTotal.WithLabelValues(domain, result).Inc()
}

// RecordDomainDuration records how long a domain sync took
func (m *ReferenceMetrics) RecordDomainDuration(domain string, duration float64) {
	m.domainDuration.WithLabelValues(domain).Observe(duration)
}

// RecordIdentityBuild records a rebuilt identity mapping and its size
func (m *ReferenceMetrics) RecordIdentityBuild(employees, managers int) {
	m.identityBuilds.Inc()
	m.identityAccounts.WithLabelValues("employees").Set(float64(employees))
	m.identityAccounts.WithLabelValues("managers").Set(float64(managers))
}
