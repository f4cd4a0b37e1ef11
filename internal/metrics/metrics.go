// Package metrics exposes recording client metrics as a prometheus
// collector gathering at scrape time.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sebas/siprec/internal/siprec"
)

// ManagerProvider exposes the manager state the collector reads.
type ManagerProvider interface {
	Status() []siprec.AgentStatus
	ActiveCallCount() int
}

// Collector is a prometheus.Collector that gathers recording metrics
// at scrape time.
type Collector struct {
	manager   ManagerProvider
	startTime time.Time

	activeCallsDesc   *prometheus.Desc
	recorderCallsDesc *prometheus.Desc
	respondingDesc    *prometheus.Desc
	probesDesc        *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a collector over the manager.
func NewCollector(manager ManagerProvider) *Collector {
	return &Collector{
		manager:   manager,
		startTime: time.Now(),
		activeCallsDesc: prometheus.NewDesc(
			"siprec_active_calls",
			"Number of calls currently being recorded across all recorders.",
			nil, nil,
		),
		recorderCallsDesc: prometheus.NewDesc(
			"siprec_recorder_active_calls",
			"Number of calls currently being recorded, per recorder.",
			[]string{"recorder", "srs"}, nil,
		),
		respondingDesc: prometheus.NewDesc(
			"siprec_srs_responding",
			"Whether the SRS answered the last OPTIONS probe (1/0).",
			[]string{"recorder", "srs"}, nil,
		),
		probesDesc: prometheus.NewDesc(
			"siprec_options_probes_total",
			"Number of OPTIONS probes dispatched, per recorder.",
			[]string{"recorder", "srs"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"siprec_uptime_seconds",
			"Seconds since the recording client started.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.recorderCallsDesc
	ch <- c.respondingDesc
	ch <- c.probesDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue,
		float64(c.manager.ActiveCallCount()))
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds())

	for _, status := range c.manager.Status() {
		responding := 0.0
		if status.Responding {
			responding = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.recorderCallsDesc, prometheus.GaugeValue,
			float64(status.ActiveCalls), status.Name, status.SrsEndpoint)
		ch <- prometheus.MustNewConstMetric(c.respondingDesc, prometheus.GaugeValue,
			responding, status.Name, status.SrsEndpoint)
		ch <- prometheus.MustNewConstMetric(c.probesDesc, prometheus.CounterValue,
			float64(status.OptionsProbes), status.Name, status.SrsEndpoint)
	}
}

// Register installs the collector on the default registry.
func Register(manager ManagerProvider) error {
	return prometheus.Register(NewCollector(manager))
}
