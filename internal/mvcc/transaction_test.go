package mvcc

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/iamNilotpal/vtmcore/internal/mvcc/isolation"
	"github.com/iamNilotpal/vtmcore/internal/segment"
	"github.com/iamNilotpal/vtmcore/pkg/farref"
)

func newTestManager(t *testing.T, level isolation.Level) (*segment.Manager, *EventSourcingManager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mvcc.data")
	segments, err := segment.Create(segment.Config{Path: path, SegmentSize: 64 * 1024})
	if err != nil {
		t.Fatalf("segment.Create: %v", err)
	}
	t.Cleanup(func() { _ = segments.Close() })

	history := NewInMemoryHistory(HistoryConfig{DefaultIsolation: level})
	mgr := NewEventSourcingManager(ManagerConfig{Segments: segments, History: history})
	return segments, mgr
}

func TestCommitAppliesPendingWrites(t *testing.T) {
	segments, mgr := newTestManager(t, isolation.ReadCommitted)

	tx, err := mgr.BeginTransaction()
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}

	addr := farref.New(0, 64)
	chunk, err := tx.WritableBlock(addr, 16, false)
	if err != nil {
		t.Fatalf("WritableBlock: %v", err)
	}
	for i := range chunk.Data {
		chunk.Data[i] = byte(i + 1)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	raw, err := segments.RawBytes(addr, 16)
	if err != nil {
		t.Fatalf("RawBytes: %v", err)
	}
	for i, b := range raw {
		if b != byte(i+1) {
			t.Fatalf("byte %d = %d, want %d after commit", i, b, i+1)
		}
	}
}

func TestRollbackDiscardsPendingWrites(t *testing.T) {
	segments, mgr := newTestManager(t, isolation.ReadCommitted)

	tx, err := mgr.BeginTransaction()
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}

	addr := farref.New(0, 128)
	chunk, err := tx.WritableBlock(addr, 16, false)
	if err != nil {
		t.Fatalf("WritableBlock: %v", err)
	}
	for i := range chunk.Data {
		chunk.Data[i] = 0xFF
	}

	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	raw, err := segments.RawBytes(addr, 16)
	if err != nil {
		t.Fatalf("RawBytes: %v", err)
	}
	for i, b := range raw {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0 after rollback", i, b)
		}
	}
}

func TestCommitAfterCommitFails(t *testing.T) {
	_, mgr := newTestManager(t, isolation.ReadCommitted)
	tx, err := mgr.BeginTransaction()
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatalf("expected second Commit to fail (ghost state)")
	}
}

func TestRollbackAfterCommitFails(t *testing.T) {
	_, mgr := newTestManager(t, isolation.ReadCommitted)
	tx, err := mgr.BeginTransaction()
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := tx.Rollback(); err == nil {
		t.Fatalf("expected Rollback on a committed transaction to fail")
	}
}

func TestCommitAfterRollbackFails(t *testing.T) {
	_, mgr := newTestManager(t, isolation.ReadCommitted)
	tx, err := mgr.BeginTransaction()
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatalf("expected Commit on a rolled-back transaction to fail")
	}
}

func TestDoubleRollbackFails(t *testing.T) {
	_, mgr := newTestManager(t, isolation.ReadCommitted)
	tx, err := mgr.BeginTransaction()
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("first Rollback: %v", err)
	}
	if err := tx.Rollback(); err == nil {
		t.Fatalf("expected second Rollback to fail")
	}
}

func TestBlockRequestsOnSealedTransactionFail(t *testing.T) {
	_, mgr := newTestManager(t, isolation.ReadCommitted)
	tx, err := mgr.BeginTransaction()
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := tx.WritableBlock(farref.New(0, 64), 16, false); err == nil {
		t.Fatalf("expected WritableBlock on a sealed transaction to fail")
	}
	if _, err := tx.ReadonlyBlock(farref.New(0, 64), 16); err == nil {
		t.Fatalf("expected ReadonlyBlock on a sealed transaction to fail")
	}
}

func TestSavepointRollbackOnlyDiscardsItsOwnRange(t *testing.T) {
	segments, mgr := newTestManager(t, isolation.ReadCommitted)
	tx, err := mgr.BeginTransaction()
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}

	outerAddr := farref.New(0, 64)
	outer, err := tx.WritableBlock(outerAddr, 16, false)
	if err != nil {
		t.Fatalf("outer WritableBlock: %v", err)
	}
	for i := range outer.Data {
		outer.Data[i] = 1
	}

	sp, err := tx.Savepoint()
	if err != nil {
		t.Fatalf("Savepoint: %v", err)
	}
	innerAddr := farref.New(0, 256)
	inner, err := sp.WritableBlock(innerAddr, 16, false)
	if err != nil {
		t.Fatalf("inner WritableBlock: %v", err)
	}
	for i := range inner.Data {
		inner.Data[i] = 2
	}

	if err := sp.Rollback(); err != nil {
		t.Fatalf("savepoint Rollback: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("outer Commit: %v", err)
	}

	outerRaw, err := segments.RawBytes(outerAddr, 16)
	if err != nil {
		t.Fatalf("RawBytes(outer): %v", err)
	}
	for i, b := range outerRaw {
		if b != 1 {
			t.Fatalf("outer byte %d = %d, want 1", i, b)
		}
	}

	innerRaw, err := segments.RawBytes(innerAddr, 16)
	if err != nil {
		t.Fatalf("RawBytes(inner): %v", err)
	}
	for i, b := range innerRaw {
		if b != 0 {
			t.Fatalf("rolled-back savepoint byte %d = %d, want 0", i, b)
		}
	}
}

func TestReadOnlyExcludesWriteTransactions(t *testing.T) {
	_, mgr := newTestManager(t, isolation.ReadCommitted)

	ro, err := mgr.BeginReadOnlyTransaction()
	if err != nil {
		t.Fatalf("BeginReadOnlyTransaction: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		tx, err := mgr.BeginTransaction()
		if err != nil {
			t.Errorf("BeginTransaction while RO live: %v", err)
			return
		}
		_ = tx.Commit()
	}()

	select {
	case <-done:
		t.Fatalf("write transaction started while a read-only transaction was live")
	case <-time.After(50 * time.Millisecond):
	}

	ro.End()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("write transaction never unblocked after the read-only transaction ended")
	}
}

func TestOnEndListenerSeesTidAndCommitFlag(t *testing.T) {
	_, mgr := newTestManager(t, isolation.ReadCommitted)
	tx, err := mgr.BeginTransaction()
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}

	var committedFlag bool
	var sawTid uint64
	tx.OnEnd(func(tid uint64, committed bool) {
		sawTid = tid
		committedFlag = committed
	})

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if sawTid != tx.ID() {
		t.Fatalf("listener saw tid %d, want %d", sawTid, tx.ID())
	}
	if !committedFlag {
		t.Fatalf("listener should have observed committed=true")
	}
}
