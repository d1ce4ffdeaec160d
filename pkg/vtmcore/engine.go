// Package vtmcore is the top-level façade spec.md §6 describes: Create
// and Open a backing file pair, begin read/write transactions, and reach
// the heap allocator and append-only log underneath.
//
// Grounded on iamNilotpal-ignite/pkg/ignite/ignite.go's Config/New/Close
// shape, replacing that file's Bitcask-style key/value Instance with the
// transactional far-address block API spec.md §6's runtime table names.
package vtmcore

import (
	"go.uber.org/zap"

	"github.com/iamNilotpal/vtmcore/internal/mvcc"
	"github.com/iamNilotpal/vtmcore/internal/mvcc/isolation"
	"github.com/iamNilotpal/vtmcore/internal/segment"
	"github.com/iamNilotpal/vtmcore/internal/slot"
	"github.com/iamNilotpal/vtmcore/internal/taskpool"
	"github.com/iamNilotpal/vtmcore/internal/walog"
	"github.com/iamNilotpal/vtmcore/pkg/options"
	"github.com/iamNilotpal/vtmcore/pkg/vlog"
)

// logSuffix names the sibling file the append-only log lives in,
// distinct from the segment-managed data file per spec.md §6: "Distinct
// file type, never shared with a segment-managed file."
const logSuffix = ".wal"

// Engine is a single open vtmcore store: a segment-managed data file
// fronted by MVCC, a heap allocator slot over it, and a sibling
// append-only log file for variable-length records outside the heap.
type Engine struct {
	opts options.Options

	segments *segment.Manager
	topology *slot.Topology
	heap     *slot.HeapSlot

	log  *walog.Log
	pool *taskpool.Pool

	history *mvcc.InMemoryHistory
	txn     *mvcc.EventSourcingManager

	logger *zap.SugaredLogger
}

// Create initializes a brand new store at path (plus path+".wal" for the
// append log). Fails if either file already exists.
func Create(path string, optFns ...options.OptionFunc) (*Engine, error) {
	opts := applyOptions(optFns...)
	logger := vlog.New("vtmcore").With("path", path)

	pool := taskpool.New(opts.BackgroundWorkers, opts.BackgroundWorkers*4)

	segments, err := segment.Create(segment.Config{
		Path:          path,
		SegmentSize:   opts.SegmentSize,
		CacheCapacity: opts.CacheCapacity,
		Logger:        logger,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	log, err := walog.CreateNew(pool, walog.Config{
		Path:          path + logSuffix,
		SegmentSize:   opts.SegmentSize,
		Align:         opts.Align,
		CacheCapacity: opts.CacheCapacity,
		Logger:        logger,
	})
	if err != nil {
		segments.Close()
		pool.Close()
		return nil, err
	}

	return newEngine(opts, segments, log, pool, logger)
}

// Open maps an existing store at path (plus path+".wal"), validating
// both files' header signatures.
func Open(path string, optFns ...options.OptionFunc) (*Engine, error) {
	opts := applyOptions(optFns...)
	logger := vlog.New("vtmcore").With("path", path)

	pool := taskpool.New(opts.BackgroundWorkers, opts.BackgroundWorkers*4)

	segments, err := segment.Open(segment.Config{
		Path:          path,
		CacheCapacity: opts.CacheCapacity,
		Logger:        logger,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	log, err := walog.Open(pool, walog.Config{
		Path:          path + logSuffix,
		CacheCapacity: opts.CacheCapacity,
		Logger:        logger,
	})
	if err != nil {
		segments.Close()
		pool.Close()
		return nil, err
	}

	return newEngine(opts, segments, log, pool, logger)
}

func applyOptions(optFns ...options.OptionFunc) options.Options {
	opts := options.NewDefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

func newEngine(opts options.Options, segments *segment.Manager, log *walog.Log, pool *taskpool.Pool, logger *zap.SugaredLogger) (*Engine, error) {
	heap, err := slot.NewHeapSlot(segments, opts.Align)
	if err != nil {
		segments.Close()
		log.Close()
		pool.Close()
		return nil, err
	}
	topology := slot.NewTopology(heap)

	history := mvcc.NewInMemoryHistory(mvcc.HistoryConfig{
		DefaultIsolation: opts.DefaultIsolation,
		Pool:             pool,
		Logger:           logger,
		InstanceID:       segments.InstanceID(),
	})
	txn := mvcc.NewEventSourcingManager(mvcc.ManagerConfig{
		Segments: segments,
		History:  history,
		Logger:   logger,
	})

	return &Engine{
		opts:     opts,
		segments: segments,
		topology: topology,
		heap:     heap,
		log:      log,
		pool:     pool,
		history:  history,
		txn:      txn,
		logger:   logger,
	}, nil
}

// Heap returns the size-class heap allocator over the engine's primary
// data file.
func (e *Engine) Heap() *slot.HeapSlot { return e.heap }

// Log returns the sibling append-only log.
func (e *Engine) Log() *walog.Log { return e.log }

// Topology returns the slot topology the engine's primary data file was
// constructed with.
func (e *Engine) Topology() *slot.Topology { return e.topology }

// BeginTransaction starts a new write transaction. While a read-only
// transaction is live it waits until that transaction ends; it does not
// return an error for a live read-only transaction.
func (e *Engine) BeginTransaction() (*Transaction, error) {
	inner, err := e.txn.BeginTransaction()
	if err != nil {
		return nil, err
	}
	return &Transaction{inner: inner, engine: e}, nil
}

// BeginReadOnlyTransaction starts a read-only transaction, excluding any
// new write transaction until it ends. Only one may be live at a time.
func (e *Engine) BeginReadOnlyTransaction() (*ROTransaction, error) {
	inner, err := e.txn.BeginReadOnlyTransaction()
	if err != nil {
		return nil, err
	}
	return &ROTransaction{inner: inner, engine: e}, nil
}

// ReadIsolation swaps the store's active isolation level, returning the
// previous one.
func (e *Engine) ReadIsolation(level isolation.Level) isolation.Level {
	return e.txn.ReadIsolation(level)
}

// Flush syncs the primary data file and the append log to durable
// storage.
func (e *Engine) Flush() error {
	if err := e.segments.Flush(); err != nil {
		return err
	}
	return e.log.Flush()
}

// Close flushes and releases both files and the shared background
// worker pool. The Engine must not be used afterward.
func (e *Engine) Close() error {
	e.pool.Close()
	if err := e.segments.Close(); err != nil {
		return err
	}
	return e.log.Close()
}
