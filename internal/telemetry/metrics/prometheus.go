package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func SetupPrometheus(extraCollectors ...prometheus.Collector) *prometheus.Registry {
	promRegistry := prometheus.NewRegistry()

	// Add Go module build info, runtime metrics and process collectors.
	promRegistry.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promRegistry.MustRegister(extraCollectors...)

	return promRegistry
}

// StorageStats is a point in time view of an in-process store.
type StorageStats struct {
	Entries       int64
	UsedBytes     int64
	CapacityBytes int64
	Evacuated     int64
	HitRate       float64
}

// StorageStatsCollector reads the store stats on every scrape.
type StorageStatsCollector struct {
	stats func() StorageStats

	entries   *prometheus.Desc
	usedBytes *prometheus.Desc
	capacity  *prometheus.Desc
	evacuated *prometheus.Desc
	hitRate   *prometheus.Desc
}

func NewStorageStatsCollector(namespace, subsystem string, stats func() StorageStats) *StorageStatsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil)
	}
	return &StorageStatsCollector{
		stats:     stats,
		entries:   desc("entries", "Entries held by the store."),
		usedBytes: desc("used_bytes", "Bytes taken by stored entries."),
		capacity:  desc("capacity_bytes", "Byte budget of the store."),
		evacuated: desc("evacuated_total", "Entries evicted to make room."),
		hitRate:   desc("hit_rate", "Lookup hit ratio of the store."),
	}
}

func (c *StorageStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.usedBytes
	ch <- c.capacity
	ch <- c.evacuated
	ch <- c.hitRate
}

func (c *StorageStatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.stats()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(stats.Entries))
	ch <- prometheus.MustNewConstMetric(c.usedBytes, prometheus.GaugeValue, float64(stats.UsedBytes))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(stats.CapacityBytes))
	ch <- prometheus.MustNewConstMetric(c.evacuated, prometheus.CounterValue, float64(stats.Evacuated))
	ch <- prometheus.MustNewConstMetric(c.hitRate, prometheus.GaugeValue, stats.HitRate)
}
