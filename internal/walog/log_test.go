package walog

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/iamNilotpal/vtmcore/internal/taskpool"
	"github.com/iamNilotpal/vtmcore/pkg/farref"
)

func newTestLog(t *testing.T, segmentSize uint32) *Log {
	t.Helper()
	pool := taskpool.New(2, 8)
	t.Cleanup(pool.Close)

	path := filepath.Join(t.TempDir(), "test.wal")
	log, err := CreateNew(pool, Config{Path: path, SegmentSize: segmentSize, Align: 16})
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestAllocateAppendsInOrder(t *testing.T) {
	log := newTestLog(t, 64*1024)

	payloads := [][]byte{
		bytes.Repeat([]byte{1}, 32),
		bytes.Repeat([]byte{2}, 64),
		bytes.Repeat([]byte{3}, 16),
	}

	for _, want := range payloads {
		_, buf, err := log.Allocate(uint32(len(want)))
		if err != nil {
			t.Fatalf("Allocate(%d): %v", len(want), err)
		}
		copy(buf, want)
	}

	var got [][]byte
	err := log.ForEach(func(addr farref.Addr, payload []byte) error {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		got = append(got, cp)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}

	if len(got) != len(payloads) {
		t.Fatalf("ForEach visited %d records, want %d", len(got), len(payloads))
	}
	for i, want := range payloads {
		if !bytes.Equal(got[i][:len(want)], want) {
			t.Fatalf("record %d = %x, want prefix %x", i, got[i], want)
		}
	}
}

func TestAllocateCrossesSegmentBoundary(t *testing.T) {
	// Page-sized segments: 400 records of 56 bytes each force several
	// segment rollovers, exercising nextRecordStart's boundary-skip
	// arithmetic.
	log := newTestLog(t, 4096)

	const recordCount = 400
	var want [][]byte
	for i := 0; i < recordCount; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 48)
		_, buf, err := log.Allocate(uint32(len(payload)))
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		copy(buf, payload)
		want = append(want, payload)
	}

	var got [][]byte
	err := log.ForEach(func(addr farref.Addr, payload []byte) error {
		cp := make([]byte, 48)
		copy(cp, payload[:48])
		got = append(got, cp)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}

	if len(got) != recordCount {
		t.Fatalf("ForEach visited %d records, want %d", len(got), recordCount)
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("record %d mismatch: got %x want %x", i, got[i], want[i])
		}
	}
}

func TestFirstAndEndRecordAdvance(t *testing.T) {
	log := newTestLog(t, 64*1024)

	first, err := log.FirstRecord()
	if err != nil {
		t.Fatalf("FirstRecord: %v", err)
	}
	endBefore, err := log.EndRecord()
	if err != nil {
		t.Fatalf("EndRecord: %v", err)
	}
	if first != endBefore {
		t.Fatalf("empty log should have FirstRecord == EndRecord")
	}

	if _, _, err := log.Allocate(32); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	endAfter, err := log.EndRecord()
	if err != nil {
		t.Fatalf("EndRecord: %v", err)
	}
	if endAfter == endBefore {
		t.Fatalf("EndRecord did not advance after Allocate")
	}

	firstAfter, err := log.FirstRecord()
	if err != nil {
		t.Fatalf("FirstRecord: %v", err)
	}
	if firstAfter != first {
		t.Fatalf("FirstRecord moved from %s to %s after an append", first, firstAfter)
	}
}
