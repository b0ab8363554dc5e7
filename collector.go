package gpucache

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type collectionCollector struct {
	c *Collection

	memoryBytes   *prometheus.Desc
	memoryEntries *prometheus.Desc
	loads         *prometheus.Desc
	stores        *prometheus.Desc
	pendingBytes  *prometheus.Desc
	writeErrors   *prometheus.Desc
	budgetUsed    *prometheus.Desc
	budgetLimit   *prometheus.Desc
}

// Collector exports per handle state of the collection. It reads counters
// kept by the caches, so it needs no CacheMetrics.
func (c *Collection) Collector(constLabels prometheus.Labels) prometheus.Collector {
	labels := []string{"type", "id"}
	desc := func(name, help string, variable []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("gpucache", "collection", name), help, variable, constLabels)
	}
	return &collectionCollector{
		c:             c,
		memoryBytes:   desc("memory_bytes", "Bytes held in the memory tier of a cache.", labels),
		memoryEntries: desc("memory_entries", "Entries held in the memory tier of a cache.", labels),
		loads:         desc("loads_total", "Total number of loads served by a cache.", labels),
		stores:        desc("stores_total", "Total number of stores received by a cache.", labels),
		pendingBytes:  desc("pending_write_bytes", "Bytes queued for the persistent store.", labels),
		writeErrors:   desc("disk_write_errors_total", "Total number of failed persistent store writes.", labels),
		budgetUsed:    desc("budget_used_bytes", "Bytes used from the shared memory budget.", nil),
		budgetLimit:   desc("budget_limit_bytes", "Size of the shared memory budget.", nil),
	}
}

func (cc *collectionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cc.memoryBytes
	ch <- cc.memoryEntries
	ch <- cc.loads
	ch <- cc.stores
	ch <- cc.pendingBytes
	ch <- cc.writeErrors
	ch <- cc.budgetUsed
	ch <- cc.budgetLimit
}

func (cc *collectionCollector) Collect(ch chan<- prometheus.Metric) {
	handles, caches := cc.c.snapshot()
	for i, cache := range caches {
		h := handles[i]
		labels := []string{h.Type.String(), strconv.Itoa(int(h.ID))}
		st := cache.Stats()
		ch <- prometheus.MustNewConstMetric(cc.memoryBytes, prometheus.GaugeValue, float64(st.Memory.Size), labels...)
		ch <- prometheus.MustNewConstMetric(cc.memoryEntries, prometheus.GaugeValue, float64(st.Memory.EntryCount), labels...)
		ch <- prometheus.MustNewConstMetric(cc.loads, prometheus.CounterValue, float64(st.LoadCount), labels...)
		ch <- prometheus.MustNewConstMetric(cc.stores, prometheus.CounterValue, float64(st.StoreCount), labels...)
		ch <- prometheus.MustNewConstMetric(cc.pendingBytes, prometheus.GaugeValue, float64(st.PendingBytes), labels...)
		ch <- prometheus.MustNewConstMetric(cc.writeErrors, prometheus.CounterValue, float64(st.DiskWriteErrors), labels...)
	}
	ch <- prometheus.MustNewConstMetric(cc.budgetUsed, prometheus.GaugeValue, float64(cc.c.budget.Used()))
	ch <- prometheus.MustNewConstMetric(cc.budgetLimit, prometheus.GaugeValue, float64(cc.c.budget.Limit()))
}
