package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AuditMetrics contains Prometheus metrics for validation audits.
type AuditMetrics struct {
	coverageGauge  *prometheus.GaugeVec
	integrityGauge *prometheus.GaugeVec
	sampledGauge   *prometheus.GaugeVec

	collectors []prometheus.Collector
}

// NewAuditMetrics creates and registers new audit metrics
func NewAuditMetrics(registry *prometheus.Registry) (*AuditMetrics, error) {
	m := &AuditMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *AuditMetrics) initMetrics() {
	m.coverageGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deskbridge_audit_coverage_percent",
			Help: "Completed ledger entries as a percentage of source rows",
		},
		[]string{"domain"},
	)

	m.integrityGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deskbridge_audit_integrity_errors",
			Help: "Sampled completed entries whose target row is missing",
		},
		[]string{"domain"},
	)

	m.sampledGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deskbridge_audit_sampled_entries",
			Help: "Completed entries checked by the last audit",
		},
		[]string{"domain"},
	)

	m.collectors = []prometheus.Collector{
		m.coverageGauge,
		m.integrityGauge,
		m.sampledGauge,
	}
}

// Describe implements the Collector interface
func (m *AuditMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *AuditMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordAudit stores the result of one audit of domain
func (m *AuditMetrics) RecordAudit(domain string, coverage, sampled, integrityErrors int) {
	m.coverageGauge.WithLabelValues(domain).Set(float64(coverage))
	m.sampledGauge.WithLabelValues(domain).Set(float64(sampled))
	m.integrityGauge.WithLabelValues(domain).Set(float64(integrityErrors))
}
