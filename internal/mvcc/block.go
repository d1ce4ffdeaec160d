// Package mvcc implements the two coupled subsystems spec.md §4.6/§4.7
// describe: MemoryChangeHistory, the shadow-buffer allocator and conflict
// detector that makes concurrent transactions safe, and
// EventSourcingManager, the transaction engine built on top of it.
//
// Grounded on original_source/impl/op/vtm/InMemMemoryChangeHistory.h and
// original_source/impl/op/vtm/EventSourcingSegmentManager.h for the exact
// block-profile lifecycle and conflict matrix, and on
// other_examples/e2fa551c_thistonyuncle-etcd__mvcc-kvstore.go.go /
// other_examples/86dc11c2_edofic-go-sqlite3__vfs-ordmap-mvcc-memdb.go.go
// for idiomatic Go MVCC shapes (isolation enums, conflict error values).
package mvcc

import (
	"sync/atomic"

	"github.com/iamNilotpal/vtmcore/pkg/farref"
)

// blockState is a BlockProfile's lifecycle stage, spec.md §4.6's
// "block type" (init / wr / garbage).
type blockState int32

const (
	// blockInit: the shadow buffer has been allocated and its bytes
	// copied, but it has not yet finished overlaying prior history onto
	// itself. Only the owning transaction may observe it, and only after
	// waiting for this state to pass.
	blockInit blockState = iota
	// blockWR: the block is live and its bytes are the current,
	// authoritative pending value for its range under its owning
	// transaction.
	blockWR
	// blockGarbage: the owning transaction has committed or rolled back;
	// the block is logically dead and eligible for physical reclamation.
	blockGarbage
)

// BlockProfile is the history metadata spec.md §3/GLOSSARY describes:
// a shadow buffer's range, owning transaction, lifecycle state, and the
// owned bytes themselves. Epoch is a diagnostics-only monotonic stamp
// (spec.md §4.6: "correctness does not depend on it").
type BlockProfile struct {
	Range farref.Range
	Tid   uint64
	Epoch uint64
	Memory []byte

	state   atomic.Int32
	settled chan struct{} // closed once state leaves blockInit
}

func newBlockProfile(rng farref.Range, tid, epoch uint64, memory []byte) *BlockProfile {
	b := &BlockProfile{Range: rng, Tid: tid, Epoch: epoch, Memory: memory, settled: make(chan struct{})}
	b.state.Store(int32(blockInit))
	return b
}

// State returns the block's current lifecycle stage.
func (b *BlockProfile) State() blockState {
	return blockState(b.state.Load())
}

// settle transitions the block out of blockInit and wakes every waiter.
// Called exactly once, right after BufferOfRegion finishes overlaying
// prior history onto a freshly allocated wr/wr_no_history block.
func (b *BlockProfile) settle() {
	b.state.Store(int32(blockWR))
	close(b.settled)
}

// markGarbage transitions the block to blockGarbage. Safe to call
// without first observing blockInit (a transaction can roll back a
// block it never finished settling, though in practice settle always
// runs synchronously inside BufferOfRegion before the caller can ever
// reach Destroy).
func (b *BlockProfile) markGarbage() {
	b.state.Store(int32(blockGarbage))
}

// waitUntilSettled blocks until the block leaves blockInit. Matches
// spec.md §4.6: "If same tid and block type is init, wait (atomic wait)
// until it transitions to wr or garbage."
func (b *BlockProfile) waitUntilSettled() {
	if b.State() != blockInit {
		return
	}
	<-b.settled
}

// ShadowBuffer is the owned byte buffer spec.md §3 describes: the unit
// of change tracking in MVCC. A ro buffer is a standalone allocation
// that is never retained anywhere; a wr/wr_no_history buffer is backed
// by a BlockProfile retained in the global history until Destroy.
type ShadowBuffer struct {
	Range    farref.Range
	Data     []byte
	Tid      uint64
	profile  *BlockProfile // nil for ro buffers
	retained bool
}

// Retained reports whether this buffer is tracked in the global history
// (true for wr/wr_no_history, false for ro).
func (s *ShadowBuffer) Retained() bool { return s.retained }
