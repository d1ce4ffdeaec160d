package mvcc

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/iamNilotpal/vtmcore/internal/mvcc/isolation"
	"github.com/iamNilotpal/vtmcore/internal/segment"
	"github.com/iamNilotpal/vtmcore/pkg/farref"
	"github.com/iamNilotpal/vtmcore/pkg/verrors"
	"github.com/iamNilotpal/vtmcore/pkg/vlog"
)

// txState is a Transaction's position in the strictly-advancing state
// machine spec.md §4.7 describes: active -> sealed-rollback-only or
// active -> sealed-noop, both terminal.
type txState int32

const (
	txActive txState = iota
	txSealedRollbackOnly
	txSealedNoop
)

// Listener is invoked at the end of a transaction, before its shadow
// buffers are copied back or discarded, so it may still consult them.
// committed is true for Commit, false for Rollback.
type Listener func(tid uint64, committed bool)

// pendingWrite is one entry of a transaction's write log: a shadow
// buffer paired with the raw mapped bytes it will be copied over on
// commit (spec.md §3: "a deque of pending (shadow_buffer,
// destination_pointer) pairs").
type pendingWrite struct {
	shadow *ShadowBuffer
	dest   []byte
}

// Transaction is the EventSourcingManager handle spec.md §4.7 describes.
// Unlike the C++ source, which looks a transaction up from a
// thread-id -> transaction map (Go has no stable, enumerable
// goroutine id to key that map by), vtmcore hands the caller an
// explicit *Transaction and every block/commit/rollback call is a
// method on it — the natural Go rendition of "per-thread transaction"
// when there is no thread-local storage to exploit. Savepoints are
// requested explicitly via Savepoint() rather than auto-detected by
// re-entering BeginTransaction from the same thread.
type Transaction struct {
	id  uint64
	mgr *EventSourcingManager

	state atomic.Int32

	mu      sync.Mutex
	pending []pendingWrite

	parent *Transaction // nil for a top-level transaction
	start  int           // index into parent.pending this savepoint owns, from

	listenersMu sync.Mutex
	listeners   []Listener
}

// ID returns the transaction's unique monotonically growing id.
func (t *Transaction) ID() uint64 { return t.id }

func (t *Transaction) root() *Transaction {
	r := t
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// OnEnd registers fn to run once, at the end of this transaction (or
// savepoint), before shadow buffers are applied or discarded.
func (t *Transaction) OnEnd(fn Listener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Transaction) fireListeners(committed bool) {
	t.listenersMu.Lock()
	listeners := append([]Listener(nil), t.listeners...)
	t.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(t.id, committed)
	}
}

// appendLog is where writes actually accumulate: a savepoint's pending
// writes live in its root transaction's slice, sliced by [start:len)
// ranges, so a savepoint's commit/rollback can splice exactly its own
// sub-range out without disturbing the rest of the outer transaction's
// log (spec.md §4.7: "a half-open sub-range of the outer's log").
func (t *Transaction) appendLog() *Transaction { return t.root() }

// WritableBlock implements spec.md §4.7's write path: obtain the raw
// mapped bytes, ask the history for a wr (or wr_no_history) shadow
// buffer, append it to the transaction's log, and hand back a chunk
// pointing into the shadow.
func (t *Transaction) WritableBlock(addr farref.Addr, length uint32, noHistory bool) (segment.Chunk, error) {
	if txState(t.state.Load()) != txActive {
		return segment.Chunk{}, verrors.NewTxError(nil, verrors.CodeGhostState, "writable block requested on a sealed transaction")
	}

	raw, err := t.mgr.segments.RawBytes(addr, length)
	if err != nil {
		return segment.Chunk{}, err
	}

	kind := KindWR
	if noHistory {
		kind = KindWRNoHistory
	}
	rng := farref.NewRange(addr, length)
	shadow, err := t.mgr.history.BufferOfRegion(rng, t.id, kind, raw)
	if err != nil {
		return segment.Chunk{}, err
	}

	log := t.appendLog()
	log.mu.Lock()
	log.pending = append(log.pending, pendingWrite{shadow: shadow, dest: raw})
	log.mu.Unlock()

	return segment.Chunk{Addr: addr, Data: shadow.Data, Writable: true}, nil
}

// ReadonlyBlock implements spec.md §4.7's read path: a fresh ro buffer
// overlaying the mapped bytes with whatever peer writes the current
// isolation level permits.
func (t *Transaction) ReadonlyBlock(addr farref.Addr, length uint32) (segment.Chunk, error) {
	if txState(t.state.Load()) != txActive {
		return segment.Chunk{}, verrors.NewTxError(nil, verrors.CodeGhostState, "readonly block requested on a sealed transaction")
	}

	raw, err := t.mgr.segments.RawBytes(addr, length)
	if err != nil {
		return segment.Chunk{}, err
	}

	rng := farref.NewRange(addr, length)
	shadow, err := t.mgr.history.BufferOfRegion(rng, t.id, KindRO, raw)
	if err != nil {
		return segment.Chunk{}, err
	}
	return segment.Chunk{Addr: addr, Data: shadow.Data, Writable: false}, nil
}

// Savepoint opens a nested commit/rollback boundary sharing this
// transaction's id and history visibility, but able to resolve its own
// sub-range of pending writes independently of the outer transaction.
func (t *Transaction) Savepoint() (*Transaction, error) {
	if txState(t.state.Load()) != txActive {
		return nil, verrors.NewTxError(nil, verrors.CodeGhostState, "savepoint requested on a sealed transaction")
	}
	log := t.appendLog()
	log.mu.Lock()
	start := len(log.pending)
	log.mu.Unlock()

	sp := &Transaction{id: t.id, mgr: t.mgr, parent: t, start: start}
	sp.state.Store(int32(txActive))
	return sp, nil
}

// Commit applies every pending (shadow, dest) pair in log order, firing
// end-of-transaction listeners first so they may still consult shadows,
// then seals the transaction into txSealedNoop.
func (t *Transaction) Commit() error {
	if !t.state.CompareAndSwap(int32(txActive), int32(txSealedNoop)) {
		return verrors.NewTxError(nil, verrors.CodeGhostState, "commit on a sealed transaction")
	}

	t.fireListeners(true)

	mine := t.takeOwnRange()
	for _, pw := range mine {
		copy(pw.dest, pw.shadow.Data)
		t.mgr.history.Destroy(t.id, pw.shadow)
	}

	if t.parent == nil {
		t.mgr.history.OnCommit(t.id)
		t.mgr.endTransaction(t)
	}
	return nil
}

// Rollback discards every pending shadow without touching the raw
// mapped bytes, firing listeners first, then seals the transaction into
// txSealedRollbackOnly.
func (t *Transaction) Rollback() error {
	if !t.state.CompareAndSwap(int32(txActive), int32(txSealedRollbackOnly)) {
		return verrors.NewTxError(nil, verrors.CodeGhostState, "rollback on a sealed transaction")
	}

	t.fireListeners(false)

	mine := t.takeOwnRange()
	for _, pw := range mine {
		t.mgr.history.Destroy(t.id, pw.shadow)
	}

	if t.parent == nil {
		t.mgr.history.OnRollback(t.id)
		t.mgr.endTransaction(t)
	}
	return nil
}

// takeOwnRange splices [start:len) out of the root's pending slice and
// returns it. For a top-level transaction start is always 0, so this
// simply drains the whole log.
func (t *Transaction) takeOwnRange() []pendingWrite {
	log := t.appendLog()
	log.mu.Lock()
	defer log.mu.Unlock()

	if t.start > len(log.pending) {
		return nil
	}
	mine := append([]pendingWrite(nil), log.pending[t.start:]...)
	log.pending = log.pending[:t.start]
	return mine
}

// EventSourcingManager wraps a segment.Manager with MVCC, spec.md §4.7's
// EventSourcingSegmentManager. Exactly one class of transaction may be
// live at a time: any number of concurrent write transactions, or
// exactly one read-only transaction, never both — enforced with a
// sync.RWMutex used in reverse of its usual reader/writer sense: a write
// transaction holds RLock for its whole lifetime (so many can coexist),
// a read-only transaction holds the exclusive Lock (so it excludes every
// write transaction).
type EventSourcingManager struct {
	segments *segment.Manager
	history  History

	nextTid atomic.Uint64

	roGate       sync.RWMutex
	writeTxCount atomic.Int64

	liveMu sync.Mutex
	live   map[uint64]*Transaction

	logger *zap.SugaredLogger
}

// ManagerConfig bundles EventSourcingManager's construction parameters.
type ManagerConfig struct {
	Segments *segment.Manager
	History  History
	Logger   *zap.SugaredLogger
}

// NewEventSourcingManager wires a new EventSourcingManager over segments
// and history.
func NewEventSourcingManager(cfg ManagerConfig) *EventSourcingManager {
	if cfg.Logger == nil {
		cfg.Logger = vlog.Nop()
	}
	return &EventSourcingManager{
		segments: cfg.Segments,
		history:  cfg.History,
		live:     make(map[uint64]*Transaction),
		logger:   cfg.Logger.With("component", "mvcc.transactions"),
	}
}

// BeginTransaction starts a new write transaction. While a read-only
// transaction is live it waits until that transaction ends; it does not
// return an error for a live read-only transaction.
func (m *EventSourcingManager) BeginTransaction() (*Transaction, error) {
	m.roGate.RLock()
	m.writeTxCount.Add(1)

	tid := m.nextTid.Add(1)
	t := &Transaction{id: tid, mgr: m}
	t.state.Store(int32(txActive))

	m.liveMu.Lock()
	m.live[tid] = t
	m.liveMu.Unlock()

	m.history.OnNewTransaction(tid)
	return t, nil
}

// BeginReadOnlyTransaction starts a read-only transaction. It waits
// until no write transaction (and no other read-only transaction) is
// live, rather than returning an error, and excludes any new write
// transaction from starting until it ends.
func (m *EventSourcingManager) BeginReadOnlyTransaction() (*ROTransaction, error) {
	m.roGate.Lock()

	tid := m.nextTid.Add(1)
	m.history.OnNewTransaction(tid)
	return &ROTransaction{id: tid, mgr: m}, nil
}

// endTransaction releases a committed/rolled-back write transaction's
// slot in the RO-exclusion gate and the live-transaction map.
func (m *EventSourcingManager) endTransaction(t *Transaction) {
	m.liveMu.Lock()
	delete(m.live, t.id)
	m.liveMu.Unlock()

	m.writeTxCount.Add(-1)
	m.roGate.RUnlock()
}

// ActiveWriteTransactions returns how many write transactions are
// currently live, for diagnostics.
func (m *EventSourcingManager) ActiveWriteTransactions() int64 {
	return m.writeTxCount.Load()
}

// ReadIsolation swaps the active isolation level, returning the
// previous one.
func (m *EventSourcingManager) ReadIsolation(level isolation.Level) isolation.Level {
	return m.history.ReadIsolation(level)
}

// ROTransaction is a read-only transaction handle: it may only read,
// never write, and its sole purpose once finished is to release the
// exclusion gate so write transactions may resume.
type ROTransaction struct {
	id    uint64
	mgr   *EventSourcingManager
	ended atomic.Bool
}

// ID returns the read-only transaction's unique id.
func (t *ROTransaction) ID() uint64 { return t.id }

// ReadonlyBlock reads addr under this transaction's snapshot, subject to
// the configured isolation level against any write transaction's
// history (there can be none live concurrently under Prevent/committed
// semantics, but the history API is isolation-agnostic so the same code
// path is reused here).
func (t *ROTransaction) ReadonlyBlock(addr farref.Addr, length uint32) (segment.Chunk, error) {
	if t.ended.Load() {
		return segment.Chunk{}, verrors.NewTxError(nil, verrors.CodeGhostState, "readonly block requested on an ended RO transaction")
	}
	raw, err := t.mgr.segments.RawBytes(addr, length)
	if err != nil {
		return segment.Chunk{}, err
	}
	rng := farref.NewRange(addr, length)
	shadow, err := t.mgr.history.BufferOfRegion(rng, t.id, KindRO, raw)
	if err != nil {
		return segment.Chunk{}, err
	}
	return segment.Chunk{Addr: addr, Data: shadow.Data, Writable: false}, nil
}

// End releases the RO-exclusion gate. Safe to call more than once.
func (t *ROTransaction) End() {
	if !t.ended.CompareAndSwap(false, true) {
		return
	}
	t.mgr.roGate.Unlock()
}
