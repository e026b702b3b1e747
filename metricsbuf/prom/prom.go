// Package prom exposes a metricsbuf.Buffer's live counters to
// Prometheus, mirroring the adapter cache/metrics/prom provides for the
// cache package.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/latticekit/foundation/metricsbuf"
)

// Collector implements prometheus.Collector over a Buffer's live
// counters. Gauges and timers are aggregated into the backing cache
// rather than exported live here; scrape the cache-backed bucket keys
// directly for those.
type Collector struct {
	buf  *metricsbuf.Buffer
	desc *prometheus.Desc
}

// New wraps buf in a Collector labeled by counter name.
func New(buf *metricsbuf.Buffer, namespace, subsystem string) *Collector {
	return &Collector{
		buf: buf,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "counter_total"),
			"Cumulative value of a metricsbuf counter.",
			[]string{"name"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for name, v := range c.buf.LiveCounters() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, v, name)
	}
}

var _ prometheus.Collector = (*Collector)(nil)
