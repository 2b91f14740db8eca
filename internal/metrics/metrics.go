// Package metrics exposes the platform's Prometheus instrumentation:
// scan verdicts, trade transitions, broker order flow, scheduler job runs,
// and live gauges backed by store queries.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors on a private registry so tests never
// collide on the global default.
type Metrics struct {
	registry *prometheus.Registry

	scansTotal       *prometheus.CounterVec
	opportunities    prometheus.Counter
	tradeTransitions *prometheus.CounterVec
	brokerOrders     *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oscout_scans_total",
				Help: "Scans by outcome verdict",
			},
			[]string{"verdict"},
		),
		opportunities: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "oscout_opportunities_total",
				Help: "Ranked opportunities produced by scans",
			},
		),
		tradeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oscout_trade_transitions_total",
				Help: "Trade status transitions by destination and trigger",
			},
			[]string{"to", "trigger"},
		),
		brokerOrders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oscout_broker_orders_total",
				Help: "Broker order placements by side and outcome",
			},
			[]string{"side", "outcome"}, // outcome: filled|working|rejected
		),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oscout_job_runs_total",
				Help: "Scheduler job executions",
			},
			[]string{"job"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oscout_job_duration_seconds",
				Help:    "Scheduler job wall time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
	}

	m.registry.MustRegister(
		m.scansTotal, m.opportunities, m.tradeTransitions,
		m.brokerOrders, m.jobRuns, m.jobDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterGauge attaches a pull-style gauge whose value is computed at
// scrape time, e.g. an open-trade count read from the store.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func (m *Metrics) RecordScan(verdict string, opportunities int) {
	m.scansTotal.WithLabelValues(verdict).Inc()
	m.opportunities.Add(float64(opportunities))
}

func (m *Metrics) RecordTransition(to, trigger string) {
	m.tradeTransitions.WithLabelValues(to, trigger).Inc()
}

func (m *Metrics) RecordOrder(side, outcome string) {
	m.brokerOrders.WithLabelValues(side, outcome).Inc()
}

func (m *Metrics) RecordJob(job string, took time.Duration) {
	m.jobRuns.WithLabelValues(job).Inc()
	m.jobDuration.WithLabelValues(job).Observe(took.Seconds())
}

// Gather exposes the raw families, mainly for tests.
func (m *Metrics) Gather() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(families))
	for _, fam := range families {
		total := 0.0
		for _, metric := range fam.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				total += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				total += metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				total += float64(metric.GetHistogram().GetSampleCount())
			}
		}
		out[fam.GetName()] = total
	}
	return out, nil
}
