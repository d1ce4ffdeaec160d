package walog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// logMetrics mirrors dreamsxin-wal/metrics.go's small promauto struct.
type logMetrics struct {
	recordsAppended prometheus.Counter
	bytesAppended   prometheus.Counter
	prefetches      prometheus.Counter
	prefetchSkipped prometheus.Counter
}

func newLogMetrics(instance string) *logMetrics {
	constLabels := prometheus.Labels{"instance": instance}
	return &logMetrics{
		recordsAppended: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "vtmcore_log_records_appended_total",
			Help:        "Number of records appended to the log.",
			ConstLabels: constLabels,
		}),
		bytesAppended: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "vtmcore_log_bytes_appended_total",
			Help:        "Number of payload bytes appended to the log.",
			ConstLabels: constLabels,
		}),
		prefetches: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "vtmcore_log_segment_prefetches_total",
			Help:        "Number of background segment prefetches submitted.",
			ConstLabels: constLabels,
		}),
		prefetchSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "vtmcore_log_segment_prefetch_skipped_total",
			Help:        "Number of prefetch submissions dropped because the task queue was full.",
			ConstLabels: constLabels,
		}),
	}
}
