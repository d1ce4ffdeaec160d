package options

import "github.com/iamNilotpal/vtmcore/internal/mvcc/isolation"

const (
	// MinSegmentSize is the smallest segment size accepted (64KB).
	MinSegmentSize uint32 = 64 * 1024

	// MaxSegmentSize is the largest segment size accepted (1GB).
	MaxSegmentSize uint32 = 1024 * 1024 * 1024

	// DefaultSegmentSize is the target size for a new segment (64MB).
	DefaultSegmentSize uint32 = 64 * 1024 * 1024

	// DefaultAlign is the default allocation/record alignment boundary.
	DefaultAlign uint32 = 16

	// DefaultCacheCapacity is the default number of segments the LRU
	// cache keeps mapped before evicting.
	DefaultCacheCapacity = 64

	// DefaultBackgroundWorkers is the default shared task pool size.
	DefaultBackgroundWorkers = 4

	// DefaultPoolRunHint is the default free-run size fixed pool
	// allocators publish on segment growth.
	DefaultPoolRunHint uint32 = 256
)

// defaultOptions holds the baseline configuration applied before any
// OptionFunc overrides run.
var defaultOptions = Options{
	SegmentSize:       DefaultSegmentSize,
	Align:             DefaultAlign,
	CacheCapacity:     DefaultCacheCapacity,
	DefaultIsolation:  isolation.ReadCommitted,
	BackgroundWorkers: DefaultBackgroundWorkers,
	PoolRunHint:       DefaultPoolRunHint,
}

// NewDefaultOptions returns a fresh copy of the baseline configuration.
func NewDefaultOptions() Options {
	return defaultOptions
}
