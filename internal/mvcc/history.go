package mvcc

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iamNilotpal/vtmcore/internal/mvcc/isolation"
	"github.com/iamNilotpal/vtmcore/internal/skiplist"
	"github.com/iamNilotpal/vtmcore/internal/taskpool"
	"github.com/iamNilotpal/vtmcore/pkg/farref"
	"github.com/iamNilotpal/vtmcore/pkg/verrors"
	"github.com/iamNilotpal/vtmcore/pkg/vlog"
)

// BufferKind selects how BufferOfRegion treats a request, spec.md §4.6's
// `kind ∈ {ro, wr, wr_no_history}`.
type BufferKind int

const (
	// KindRO never retains: a fresh heap buffer overlaid with whatever
	// peer writes the isolation level permits, handed back and forgotten.
	KindRO BufferKind = iota
	// KindWR retains a BlockProfile in the global history, overlaid with
	// prior writes before it settles.
	KindWR
	// KindWRNoHistory is KindWR without the initial overlay step, but
	// with the same conflict/race check.
	KindWRNoHistory
)

// bucketCapacity is the fixed per-bucket slot count spec.md §4.5 calls
// for ("8-64 entries"); 32 sits in the middle of that range.
const bucketCapacity = 32

// History is the MemoryChangeHistory contract spec.md §4.6 describes.
// Split out as an interface so spec.md §9's noted-but-unbuilt extension
// point (a file-rotation-backed history) can share EventSourcingManager's
// wiring without it depending on the in-memory implementation directly.
type History interface {
	BufferOfRegion(rng farref.Range, tid uint64, kind BufferKind, initData []byte) (*ShadowBuffer, error)
	Destroy(tid uint64, shadow *ShadowBuffer)
	OnNewTransaction(tid uint64)
	OnCommit(tid uint64)
	OnRollback(tid uint64)
	ReadIsolation(level isolation.Level) isolation.Level
}

// InMemoryHistory is the in-memory MemoryChangeHistory backend spec.md §9
// specifies as the only complete backend. The global history is one
// bucketed, indexed skiplist.List carrying the three indexers spec.md
// §4.6 names: range-bloom, min/max-of-range, and bloom-by-transaction-id.
//
// Grounded on original_source/impl/op/vtm/InMemMemoryChangeHistory.h for
// the conflict matrix and retention rules this type implements directly.
type InMemoryHistory struct {
	list *skiplist.List[BlockProfile]

	isolationLevel atomic.Int32
	epoch          atomic.Uint64

	pool        *taskpool.Pool
	sweepGuard  atomic.Bool
	sweepBatch  int

	latency *hdrRecorder
	metrics *historyMetrics
	logger  *zap.SugaredLogger
}

// HistoryConfig bundles InMemoryHistory's construction parameters.
type HistoryConfig struct {
	DefaultIsolation isolation.Level
	Pool             *taskpool.Pool
	Registerer       prometheus.Registerer
	Logger           *zap.SugaredLogger
	InstanceID       string
}

// NewInMemoryHistory builds an empty InMemoryHistory.
func NewInMemoryHistory(cfg HistoryConfig) *InMemoryHistory {
	if cfg.Logger == nil {
		cfg.Logger = vlog.Nop()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.InstanceID == "" {
		// The "instance" label keeps each history's metrics distinct on a
		// shared registerer.
		cfg.InstanceID = uuid.NewString()
	}

	h := &InMemoryHistory{
		list: skiplist.New(bucketCapacity, func() []skiplist.Indexer[BlockProfile] {
			return []skiplist.Indexer[BlockProfile]{
				skiplist.NewBloomRangeIndexer(func(b BlockProfile) farref.Range { return b.Range }),
				skiplist.NewMinMaxIndexer(func(b BlockProfile) farref.Range { return b.Range }),
				skiplist.NewBloomTidIndexer(func(b BlockProfile) uint64 { return b.Tid }),
			}
		}),
		pool:       cfg.Pool,
		sweepBatch: 64,
		latency:    newHdrRecorder(),
		metrics:    newHistoryMetrics(cfg.Registerer, cfg.InstanceID),
		logger:     cfg.Logger.With("component", "mvcc.history"),
	}
	h.isolationLevel.Store(int32(cfg.DefaultIsolation))
	return h
}

// hdrRecorder wraps an hdrhistogram.Histogram behind a mutex; the
// library itself is not safe for concurrent RecordValue/export calls.
type hdrRecorder struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

func newHdrRecorder() *hdrRecorder {
	return &hdrRecorder{hist: hdrhistogram.New(1, 10_000_000, 3)}
}

func (r *hdrRecorder) record(nanos int64) {
	r.mu.Lock()
	_ = r.hist.RecordValue(nanos)
	r.mu.Unlock()
}

func (r *hdrRecorder) snapshot() (min, max, p99 int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hist.Min(), r.hist.Max(), r.hist.ValueAtQuantile(99)
}

// overlay copies the portion of block's memory that intersects rng into
// dst, which holds rng.Count bytes starting at rng.Addr. Matches spec.md
// §4.6's "Intersection copy" exactly.
func overlay(dst []byte, rng farref.Range, block *BlockProfile) {
	j, ok := rng.Intersect(block.Range)
	if !ok {
		return
	}
	srcOff := j.Addr.Offset() - block.Range.Addr.Offset()
	dstOff := j.Addr.Offset() - rng.Addr.Offset()
	copy(dst[dstOff:dstOff+j.Count], block.Memory[srcOff:srcOff+j.Count])
}

// BufferOfRegion implements spec.md §4.6's core operation: allocate (or,
// for ro, simply compute) a shadow buffer over rng as seen by tid, under
// the current isolation level, detecting conflicts with every other live
// block that overlaps rng.
func (h *InMemoryHistory) BufferOfRegion(rng farref.Range, tid uint64, kind BufferKind, initData []byte) (*ShadowBuffer, error) {
	start := time.Now()

	result := make([]byte, rng.Count)
	copy(result, initData)

	overlayPeers := kind != KindWRNoHistory
	level := isolation.Level(h.isolationLevel.Load())

	var conflict *verrors.TxError
	q := skiplist.Query{Range: &rng}
	h.list.Scan(q, func(b *BlockProfile) bool {
		if !b.Range.Overlaps(rng) {
			return true // bloom/min-max false positive; indexers allow these
		}

		if b.Tid == tid {
			if b.State() == blockInit {
				b.waitUntilSettled()
			}
			if b.State() == blockGarbage {
				return true
			}
			if overlayPeers {
				overlay(result, rng, b)
			}
			return true
		}

		if b.State() == blockGarbage {
			return true
		}
		switch level {
		case isolation.Prevent:
			conflict = verrors.NewConcurrentLockError(rng, tid, b.Range, b.Tid)
			return false
		case isolation.ReadUncommitted:
			if overlayPeers && b.State() == blockWR {
				overlay(result, rng, b)
			}
		case isolation.ReadCommitted:
			// original mapped bytes remain untouched; nothing to do.
		}
		return true
	})
	if conflict != nil {
		h.metrics.conflicts.Inc()
		return nil, conflict
	}

	h.latency.record(int64(time.Since(start)))

	if kind == KindRO {
		h.metrics.roBuffers.Inc()
		return &ShadowBuffer{Range: rng, Data: result, Tid: tid, retained: false}, nil
	}

	epoch := h.epoch.Add(1)
	profile := newBlockProfile(rng, tid, epoch, result)
	h.list.Emplace(profile)
	profile.settle()

	h.metrics.wrBuffers.Inc()
	return &ShadowBuffer{Range: rng, Data: result, Tid: tid, profile: profile, retained: true}, nil
}

// Destroy marks shadow's backing block as garbage, so later scans skip
// it. No-op for ro buffers, which were never retained. The block stays
// in the history list: its slot is not removed, so Destroy never leaves
// a bucket empty and never gives the sweep anything to reclaim.
func (h *InMemoryHistory) Destroy(tid uint64, shadow *ShadowBuffer) {
	if shadow == nil || !shadow.retained || shadow.profile == nil {
		return
	}
	shadow.profile.markGarbage()
	h.maybeScheduleSweep()
}

// OnNewTransaction is a lifecycle hook reserved for future bookkeeping
// (e.g. per-tid epoch watermarks); the in-memory backend needs none
// today since every block already carries its own tid.
func (h *InMemoryHistory) OnNewTransaction(tid uint64) {
	h.logger.Debugw("transaction started", "tid", tid)
}

// OnCommit schedules a sweep of garbage buckets when the list reports
// any. Destroy marks blocks garbage without removing them from their
// buckets, so buckets of the history do not become garbage and this
// sweep reclaims nothing.
func (h *InMemoryHistory) OnCommit(tid uint64) {
	h.logger.Debugw("transaction committed", "tid", tid)
	h.maybeScheduleSweep()
}

// OnRollback mirrors OnCommit; the blocks themselves were already
// destroyed by the caller before this hook runs.
func (h *InMemoryHistory) OnRollback(tid uint64) {
	h.logger.Debugw("transaction rolled back", "tid", tid)
	h.maybeScheduleSweep()
}

// ReadIsolation atomically swaps the active isolation level, returning
// the previous one.
func (h *InMemoryHistory) ReadIsolation(level isolation.Level) isolation.Level {
	prev := h.isolationLevel.Swap(int32(level))
	return isolation.Level(prev)
}

// maybeScheduleSweep submits a single background reclamation task when
// garbage buckets exist, deduplicating concurrent submissions with a
// busy flag — the "future-chained with the previous one" behavior
// spec.md §4.6 describes, realized without an actual future type since
// taskpool.Pool tasks are fire-and-forget closures.
func (h *InMemoryHistory) maybeScheduleSweep() {
	if h.pool == nil {
		return
	}
	if h.list.GarbageBuckets() == 0 {
		return
	}
	if !h.sweepGuard.CompareAndSwap(false, true) {
		return
	}
	h.pool.Submit(func() {
		defer h.sweepGuard.Store(false)
		removed := h.list.Sweep(h.sweepBatch)
		if removed > 0 {
			h.metrics.bucketsReclaimed.Add(float64(removed))
		}
	})
}

// HistogramSnapshot exposes the recorded latency distribution of
// BufferOfRegion's history scan (min/max/p99 nanoseconds, including any
// wait for a same-transaction block to settle), informational only.
func (h *InMemoryHistory) HistogramSnapshot() (min, max, p99 int64) {
	return h.latency.snapshot()
}

type historyMetrics struct {
	conflicts        prometheus.Counter
	roBuffers        prometheus.Counter
	wrBuffers        prometheus.Counter
	bucketsReclaimed prometheus.Counter
}

func newHistoryMetrics(reg prometheus.Registerer, instance string) *historyMetrics {
	constLabels := prometheus.Labels{"instance": instance}
	return &historyMetrics{
		conflicts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "vtmcore_history_conflicts_total",
			Help:        "Number of BufferOfRegion calls refused under Prevent isolation.",
			ConstLabels: constLabels,
		}),
		roBuffers: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "vtmcore_history_ro_buffers_total",
			Help:        "Number of read-only shadow buffers produced.",
			ConstLabels: constLabels,
		}),
		wrBuffers: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "vtmcore_history_wr_buffers_total",
			Help:        "Number of retained (wr/wr_no_history) shadow buffers produced.",
			ConstLabels: constLabels,
		}),
		bucketsReclaimed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "vtmcore_history_buckets_reclaimed_total",
			Help:        "Number of garbage skiplist buckets physically reclaimed.",
			ConstLabels: constLabels,
		}),
	}
}
