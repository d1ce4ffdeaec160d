package segment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// managerMetrics mirrors the dreamsxin-wal/metrics.go style: a small
// struct of promauto-registered counters/gauges built once per Manager
// instance and labeled with that Manager's uuid so multiple engines in
// one process don't collide.
type managerMetrics struct {
	segmentsAllocated prometheus.Counter
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	bytesMapped       prometheus.Gauge
	flushes           prometheus.Counter
}

func newManagerMetrics(reg prometheus.Registerer, instance string) *managerMetrics {
	constLabels := prometheus.Labels{"instance": instance}
	return &managerMetrics{
		segmentsAllocated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "vtmcore_segments_allocated_total",
			Help:        "Number of segments appended to the backing file.",
			ConstLabels: constLabels,
		}),
		cacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "vtmcore_segment_cache_hits_total",
			Help:        "Number of segment lookups served from the mapped-segment cache.",
			ConstLabels: constLabels,
		}),
		cacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "vtmcore_segment_cache_misses_total",
			Help:        "Number of segment lookups that required a fresh mmap.",
			ConstLabels: constLabels,
		}),
		bytesMapped: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "vtmcore_segment_bytes_mapped",
			Help:        "Total bytes currently held by cached mmap regions.",
			ConstLabels: constLabels,
		}),
		flushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "vtmcore_segment_flushes_total",
			Help:        "Number of Flush() calls that msync'd cached segments.",
			ConstLabels: constLabels,
		}),
	}
}
