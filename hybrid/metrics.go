package hybrid

import "github.com/prometheus/client_golang/prometheus"

// collector reports the hybrid tier's own memory-hit/disk-hit/miss
// counters. The inner tiers carry their own stats.Collector each; the
// hybrid counters are separate on purpose, since clearing an inner tier
// does not reset the hybrid-level counts.
type collector struct {
	snapshot func() Stats

	memoryHits *prometheus.Desc
	diskHits   *prometheus.Desc
	misses     *prometheus.Desc
}

func newCollector(tier string, snapshot func() Stats) *collector {
	labels := prometheus.Labels{"tier": tier}
	return &collector{
		snapshot:   snapshot,
		memoryHits: prometheus.NewDesc("tierbox_hybrid_memory_hits_total", "Reads served by the memory tier.", nil, labels),
		diskHits:   prometheus.NewDesc("tierbox_hybrid_disk_hits_total", "Reads served by the disk tier.", nil, labels),
		misses:     prometheus.NewDesc("tierbox_hybrid_misses_total", "Reads absent from both tiers.", nil, labels),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.memoryHits
	ch <- c.diskHits
	ch <- c.misses
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	ch <- prometheus.MustNewConstMetric(c.memoryHits, prometheus.CounterValue, float64(s.MemoryHits))
	ch <- prometheus.MustNewConstMetric(c.diskHits, prometheus.CounterValue, float64(s.DiskHits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
}
