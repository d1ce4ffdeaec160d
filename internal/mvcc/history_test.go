package mvcc

import (
	"testing"

	"github.com/iamNilotpal/vtmcore/internal/mvcc/isolation"
	"github.com/iamNilotpal/vtmcore/pkg/farref"
	"github.com/iamNilotpal/vtmcore/pkg/verrors"
)

func newTestHistory(level isolation.Level) *InMemoryHistory {
	return NewInMemoryHistory(HistoryConfig{DefaultIsolation: level})
}

func TestBufferOfRegionReadCommittedHidesUncommittedWrites(t *testing.T) {
	h := newTestHistory(isolation.ReadCommitted)

	rng := farref.NewRange(farref.New(0, 0x100), 16)
	base := make([]byte, 16)

	writer, err := h.BufferOfRegion(rng, 1, KindWR, base)
	if err != nil {
		t.Fatalf("writer BufferOfRegion: %v", err)
	}
	for i := range writer.Data {
		writer.Data[i] = 0xAB
	}

	reader, err := h.BufferOfRegion(rng, 2, KindRO, base)
	if err != nil {
		t.Fatalf("reader BufferOfRegion: %v", err)
	}
	for i, b := range reader.Data {
		if b != 0 {
			t.Fatalf("ReadCommitted leaked uncommitted byte at %d: %#x", i, b)
		}
	}
}

func TestBufferOfRegionReadUncommittedSeesDirtyWrites(t *testing.T) {
	h := newTestHistory(isolation.ReadUncommitted)

	rng := farref.NewRange(farref.New(0, 0x200), 16)
	base := make([]byte, 16)

	writer, err := h.BufferOfRegion(rng, 1, KindWR, base)
	if err != nil {
		t.Fatalf("writer BufferOfRegion: %v", err)
	}
	for i := range writer.Data {
		writer.Data[i] = 0xCD
	}

	reader, err := h.BufferOfRegion(rng, 2, KindRO, base)
	if err != nil {
		t.Fatalf("reader BufferOfRegion: %v", err)
	}
	for i, b := range reader.Data {
		if b != 0xCD {
			t.Fatalf("ReadUncommitted did not surface dirty byte at %d: got %#x", i, b)
		}
	}
}

func TestBufferOfRegionPreventRejectsOverlap(t *testing.T) {
	h := newTestHistory(isolation.Prevent)

	rng := farref.NewRange(farref.New(0, 0x300), 16)
	base := make([]byte, 16)

	if _, err := h.BufferOfRegion(rng, 1, KindWR, base); err != nil {
		t.Fatalf("first writer BufferOfRegion: %v", err)
	}

	overlapping := farref.NewRange(farref.New(0, 0x308), 16)
	_, err := h.BufferOfRegion(overlapping, 2, KindWR, base)
	if err == nil {
		t.Fatalf("expected Prevent isolation to reject an overlapping write")
	}
	if !verrors.IsTxError(err) {
		t.Fatalf("expected a TxError, got %T: %v", err, err)
	}
}

func TestBufferOfRegionPreventAllowsDisjointRanges(t *testing.T) {
	h := newTestHistory(isolation.Prevent)

	base := make([]byte, 16)
	rng1 := farref.NewRange(farref.New(0, 0x400), 16)
	rng2 := farref.NewRange(farref.New(0, 0x500), 16)

	if _, err := h.BufferOfRegion(rng1, 1, KindWR, base); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	if _, err := h.BufferOfRegion(rng2, 2, KindWR, base); err != nil {
		t.Fatalf("expected disjoint ranges not to conflict: %v", err)
	}
}

func TestBufferOfRegionSameTidOverlaysOwnPriorWrites(t *testing.T) {
	h := newTestHistory(isolation.ReadCommitted)

	rng := farref.NewRange(farref.New(0, 0x600), 16)
	base := make([]byte, 16)

	first, err := h.BufferOfRegion(rng, 5, KindWR, base)
	if err != nil {
		t.Fatalf("first BufferOfRegion: %v", err)
	}
	for i := range first.Data {
		first.Data[i] = 0xEE
	}

	second, err := h.BufferOfRegion(rng, 5, KindWR, base)
	if err != nil {
		t.Fatalf("second BufferOfRegion: %v", err)
	}
	for i, b := range second.Data {
		if b != 0xEE {
			t.Fatalf("same-tid overlay missing at %d: got %#x", i, b)
		}
	}
}

func TestBufferOfRegionWRNoHistorySkipsOverlay(t *testing.T) {
	h := newTestHistory(isolation.ReadCommitted)

	rng := farref.NewRange(farref.New(0, 0x700), 16)
	base := make([]byte, 16)

	first, err := h.BufferOfRegion(rng, 9, KindWR, base)
	if err != nil {
		t.Fatalf("first BufferOfRegion: %v", err)
	}
	for i := range first.Data {
		first.Data[i] = 0xFF
	}

	second, err := h.BufferOfRegion(rng, 9, KindWRNoHistory, base)
	if err != nil {
		t.Fatalf("second BufferOfRegion: %v", err)
	}
	for i, b := range second.Data {
		if b != 0 {
			t.Fatalf("wr_no_history should skip overlay, got %#x at %d", b, i)
		}
	}
}

func TestDestroyMarksBlockGarbage(t *testing.T) {
	h := newTestHistory(isolation.Prevent)

	rng := farref.NewRange(farref.New(0, 0x800), 16)
	base := make([]byte, 16)

	shadow, err := h.BufferOfRegion(rng, 1, KindWR, base)
	if err != nil {
		t.Fatalf("BufferOfRegion: %v", err)
	}
	h.Destroy(1, shadow)

	// A garbage block is no longer in the way, even under Prevent.
	if _, err := h.BufferOfRegion(rng, 2, KindWR, base); err != nil {
		t.Fatalf("expected garbage block to no longer conflict: %v", err)
	}
}
