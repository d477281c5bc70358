package stats

import "github.com/prometheus/client_golang/prometheus"

// Collector adapts a tier's Snapshot into a prometheus.Collector, so a
// memory/disk/hybrid tier's hit/miss/eviction counters and current
// item/byte totals are pulled on every scrape rather than pushed
// per-request. A tier already aggregates its own Counters, so
// re-incrementing a second, parallel CounterVec on every Get/Set would
// duplicate that bookkeeping.
type Collector struct {
	snapshot func() Snapshot

	hits        *prometheus.Desc
	misses      *prometheus.Desc
	evictions   *prometheus.Desc
	expirations *prometheus.Desc
	items       *prometheus.Desc
	bytes       *prometheus.Desc
}

// NewCollector returns a Collector that reports snapshot() under metric
// names prefixed tierbox_cache_ (e.g. tierbox_cache_hits_total), with the
// tier name carried in a constant "tier" label.
func NewCollector(tier string, snapshot func() Snapshot) *Collector {
	labels := prometheus.Labels{"tier": tier}
	return &Collector{
		snapshot:    snapshot,
		hits:        prometheus.NewDesc("tierbox_cache_hits_total", "Total cache hits.", nil, labels),
		misses:      prometheus.NewDesc("tierbox_cache_misses_total", "Total cache misses.", nil, labels),
		evictions:   prometheus.NewDesc("tierbox_cache_evictions_total", "Total entries evicted.", nil, labels),
		expirations: prometheus.NewDesc("tierbox_cache_expirations_total", "Total entries expired.", nil, labels),
		items:       prometheus.NewDesc("tierbox_cache_items", "Current number of entries.", nil, labels),
		bytes:       prometheus.NewDesc("tierbox_cache_bytes", "Current estimated size in bytes.", nil, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.expirations
	ch <- c.items
	ch <- c.bytes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(c.expirations, prometheus.CounterValue, float64(s.Expirations))
	ch <- prometheus.MustNewConstMetric(c.items, prometheus.GaugeValue, float64(s.Items))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(s.Bytes))
}
