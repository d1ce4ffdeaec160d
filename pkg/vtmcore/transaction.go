package vtmcore

import (
	"github.com/iamNilotpal/vtmcore/internal/mvcc"
	"github.com/iamNilotpal/vtmcore/internal/segment"
	"github.com/iamNilotpal/vtmcore/pkg/farref"
)

// Chunk is the (far_address, bytes, writable) triple handed back by
// every read/write request.
type Chunk = segment.Chunk

// Hint advises the engine how a block is likely to be accessed next,
// letting it warm the segment cache ahead of time. It never changes
// correctness, only whether a following read stalls on a cache miss.
type Hint int

const (
	// HintNone requests no prefetching.
	HintNone Hint = iota
	// HintSequential requests the engine background-prefetch the next
	// segment after addr's, for callers scanning forward through
	// consecutive far addresses.
	HintSequential
)

// Transaction is a write transaction handle wrapping the MVCC engine's
// EventSourcingManager transaction, with Hint-aware block accessors.
type Transaction struct {
	inner  *mvcc.Transaction
	engine *Engine
}

// ID returns the transaction's unique monotonically growing id.
func (t *Transaction) ID() uint64 { return t.inner.ID() }

// WritableBlock requests a writable chunk over [addr, addr+length),
// shadow-copied for this transaction until Commit or Rollback.
func (t *Transaction) WritableBlock(addr farref.Addr, length uint32, hint Hint) (Chunk, error) {
	t.engine.applyHint(addr, hint)
	return t.inner.WritableBlock(addr, length, false)
}

// WritableBlockNoHistory is WritableBlock's wr_no_history variant
// (spec.md §4.6): the shadow is not pre-overlaid with prior writes,
// useful for a caller about to fully overwrite the range anyway.
func (t *Transaction) WritableBlockNoHistory(addr farref.Addr, length uint32, hint Hint) (Chunk, error) {
	t.engine.applyHint(addr, hint)
	return t.inner.WritableBlock(addr, length, true)
}

// ReadonlyBlock requests a readonly chunk over [addr, addr+length),
// subject to the engine's current isolation level against peer writes.
func (t *Transaction) ReadonlyBlock(addr farref.Addr, length uint32, hint Hint) (Chunk, error) {
	t.engine.applyHint(addr, hint)
	return t.inner.ReadonlyBlock(addr, length)
}

// Savepoint opens a nested commit/rollback boundary within this
// transaction.
func (t *Transaction) Savepoint() (*Transaction, error) {
	inner, err := t.inner.Savepoint()
	if err != nil {
		return nil, err
	}
	return &Transaction{inner: inner, engine: t.engine}, nil
}

// OnEnd registers fn to run at commit or rollback, before shadow buffers
// are applied or discarded.
func (t *Transaction) OnEnd(fn mvcc.Listener) {
	t.inner.OnEnd(fn)
}

// Commit applies every pending write in log order and seals the
// transaction.
func (t *Transaction) Commit() error { return t.inner.Commit() }

// Rollback discards every pending write, leaving the mapped bytes
// untouched, and seals the transaction.
func (t *Transaction) Rollback() error { return t.inner.Rollback() }

// ROTransaction is a read-only transaction handle. Only one may be live
// at a time, and none may be live while a write transaction is active.
type ROTransaction struct {
	inner  *mvcc.ROTransaction
	engine *Engine
}

// ID returns the read-only transaction's unique id.
func (t *ROTransaction) ID() uint64 { return t.inner.ID() }

// ReadonlyBlock requests a readonly chunk over [addr, addr+length).
func (t *ROTransaction) ReadonlyBlock(addr farref.Addr, length uint32, hint Hint) (Chunk, error) {
	t.engine.applyHint(addr, hint)
	return t.inner.ReadonlyBlock(addr, length)
}

// End releases the transaction, allowing write transactions to resume.
func (t *ROTransaction) End() { t.inner.End() }

// applyHint submits a best-effort background prefetch of the segment
// following addr's when hint asks for it. Never blocks the caller and
// never affects correctness.
func (e *Engine) applyHint(addr farref.Addr, hint Hint) {
	if hint != HintSequential {
		return
	}
	next := addr.Segment() + 1
	e.pool.TrySubmit(func() {
		_ = e.segments.Prefetch(next)
	})
}
