package gpucache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LoadResult is the outcome of a single Load. The numeric values are stable
// and used as histogram samples.
type LoadResult int

const (
	LoadMiss            LoadResult = 0
	LoadMissNoDiskCache LoadResult = 1
	LoadHitMemory       LoadResult = 10
	LoadHitDisk         LoadResult = 11
)

func (r LoadResult) String() string {
	switch r {
	case LoadMiss:
		return "miss"
	case LoadMissNoDiskCache:
		return "miss_no_disk_cache"
	case LoadHitMemory:
		return "hit_memory"
	case LoadHitDisk:
		return "hit_disk"
	default:
		return "unknown"
	}
}

func (r LoadResult) IsHit() bool {
	return r == LoadHitMemory || r == LoadHitDisk
}

// OutcomeRecorder receives the outcome of every Load, keyed by cache prefix.
// Implementations must be safe for concurrent use.
type OutcomeRecorder interface {
	Record(prefix string, result LoadResult)
}

// OutcomeRecorderFunc adapts a function to OutcomeRecorder.
type OutcomeRecorderFunc func(prefix string, result LoadResult)

func (f OutcomeRecorderFunc) Record(prefix string, result LoadResult) {
	f(prefix, result)
}

// CacheMetrics exports cache activity to prometheus. A nil *CacheMetrics is
// valid and records nothing.
type CacheMetrics struct {
	LoadTotal        *prometheus.CounterVec
	StoreTotal       *prometheus.CounterVec
	StoreRejected    *prometheus.CounterVec
	DiskWriteTotal   *prometheus.CounterVec
	DiskWriteErrors  *prometheus.CounterVec
	DiskWriteBytes   *prometheus.CounterVec
	DiskWriteLatency *prometheus.HistogramVec
	DiskReadErrors   *prometheus.CounterVec
	FlushTotal       *prometheus.CounterVec
}

var _ OutcomeRecorder = (*CacheMetrics)(nil)

func (m *CacheMetrics) incCounter(vec *prometheus.CounterVec, labels ...string) {
	if m == nil || vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}

func (m *CacheMetrics) addCounter(vec *prometheus.CounterVec, value float64, labels ...string) {
	if m == nil || vec == nil || value == 0 {
		return
	}
	vec.WithLabelValues(labels...).Add(value)
}

func (m *CacheMetrics) observeHistogram(vec *prometheus.HistogramVec, value float64, labels ...string) {
	if m == nil || vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Observe(value)
}

func (m *CacheMetrics) Record(prefix string, result LoadResult) {
	if m == nil {
		return
	}
	m.incCounter(m.LoadTotal, prefix, result.String())
}

func (m *CacheMetrics) ObserveStore(prefix string, accepted bool) {
	if m == nil {
		return
	}
	m.incCounter(m.StoreTotal, prefix)
	if !accepted {
		m.incCounter(m.StoreRejected, prefix)
	}
}

func (m *CacheMetrics) ObserveDiskWrite(prefix string, sizeBytes int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.incCounter(m.DiskWriteTotal, prefix)
	m.observeHistogram(m.DiskWriteLatency, d.Seconds(), prefix)
	if err != nil {
		m.incCounter(m.DiskWriteErrors, prefix)
		return
	}
	m.addCounter(m.DiskWriteBytes, float64(sizeBytes), prefix)
}

func (m *CacheMetrics) ObserveDiskReadError(prefix string) {
	if m == nil {
		return
	}
	m.incCounter(m.DiskReadErrors, prefix)
}

func (m *CacheMetrics) ObserveFlush(prefix string) {
	if m == nil {
		return
	}
	m.incCounter(m.FlushTotal, prefix)
}

// Collectors lists the metrics for registration.
func (m *CacheMetrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{
		m.LoadTotal,
		m.StoreTotal,
		m.StoreRejected,
		m.DiskWriteTotal,
		m.DiskWriteErrors,
		m.DiskWriteBytes,
		m.DiskWriteLatency,
		m.DiskReadErrors,
		m.FlushTotal,
	}
}

func DefaultCacheMetrics(constLabels prometheus.Labels) *CacheMetrics {
	prefix := []string{"prefix"}
	return &CacheMetrics{
		LoadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gpucache",
			Subsystem:   "cache",
			Name:        "load_total",
			Help:        "Total number of loads by outcome.",
			ConstLabels: constLabels,
		}, []string{"prefix", "result"}),
		StoreTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gpucache",
			Subsystem:   "cache",
			Name:        "store_total",
			Help:        "Total number of store calls.",
			ConstLabels: constLabels,
		}, prefix),
		StoreRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gpucache",
			Subsystem:   "cache",
			Name:        "store_rejected_total",
			Help:        "Stores dropped for empty or oversized entries.",
			ConstLabels: constLabels,
		}, prefix),
		DiskWriteTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gpucache",
			Subsystem:   "disk",
			Name:        "write_total",
			Help:        "Total number of entries written to the persistent store.",
			ConstLabels: constLabels,
		}, prefix),
		DiskWriteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gpucache",
			Subsystem:   "disk",
			Name:        "write_errors_total",
			Help:        "Total number of failed persistent store writes.",
			ConstLabels: constLabels,
		}, prefix),
		DiskWriteBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gpucache",
			Subsystem:   "disk",
			Name:        "write_bytes_total",
			Help:        "Total value bytes written to the persistent store.",
			ConstLabels: constLabels,
		}, prefix),
		DiskWriteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "gpucache",
			Subsystem:   "disk",
			Name:        "write_latency_seconds",
			Help:        "Histogram of persistent store write latency in seconds.",
			ConstLabels: constLabels,
		}, prefix),
		DiskReadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gpucache",
			Subsystem:   "disk",
			Name:        "read_errors_total",
			Help:        "Total number of persistent store reads that failed for reasons other than a miss.",
			ConstLabels: constLabels,
		}, prefix),
		FlushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "gpucache",
			Subsystem:   "disk",
			Name:        "flush_total",
			Help:        "Total number of pending write batches flushed.",
			ConstLabels: constLabels,
		}, prefix),
	}
}
