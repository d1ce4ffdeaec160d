package slot

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/iamNilotpal/vtmcore/internal/segment"
	"github.com/iamNilotpal/vtmcore/pkg/farref"
)

func newTestManager(t *testing.T, segmentSize uint32) *segment.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heap.data")
	mgr, err := segment.Create(segment.Config{Path: path, SegmentSize: segmentSize})
	if err != nil {
		t.Fatalf("segment.Create: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

// liveBlock records one still-allocated region so overlap can be checked
// against every other live block.
type liveBlock struct {
	addr farref.Addr
	n    uint32
}

func overlaps(a, b liveBlock) bool {
	ra := farref.NewRange(a.addr, a.n)
	rb := farref.NewRange(b.addr, b.n)
	return ra.Overlaps(rb)
}

func TestHeapAllocateNoOverlap(t *testing.T) {
	mgr := newTestManager(t, 64*1024)
	heap, err := NewHeapSlot(mgr, 16)
	if err != nil {
		t.Fatalf("NewHeapSlot: %v", err)
	}

	rng := rand.New(rand.NewSource(1))
	var live []liveBlock

	for i := 0; i < 500; i++ {
		n := uint32(16 + rng.Intn(4096-16))
		addr, err := heap.Allocate(n)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", n, err)
		}
		blk := liveBlock{addr: addr, n: n}
		for _, other := range live {
			if overlaps(blk, other) {
				t.Fatalf("new block %+v overlaps existing block %+v", blk, other)
			}
		}
		live = append(live, blk)
	}
}

func TestHeapFragmentationRoundTrip(t *testing.T) {
	mgr := newTestManager(t, 64*1024)
	heap, err := NewHeapSlot(mgr, 16)
	if err != nil {
		t.Fatalf("NewHeapSlot: %v", err)
	}

	rng := rand.New(rand.NewSource(2))
	const count = 1000
	blocks := make([]liveBlock, count)
	for i := range blocks {
		n := uint32(16 + rng.Intn(4096-16))
		addr, err := heap.Allocate(n)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", n, err)
		}
		blocks[i] = liveBlock{addr: addr, n: n}
	}

	// Free every second block.
	freed := make(map[int]bool)
	for i := 0; i < count; i += 2 {
		if err := heap.Deallocate(blocks[i].addr); err != nil {
			t.Fatalf("Deallocate(%d): %v", i, err)
		}
		freed[i] = true
	}

	// Every remaining block must still be reachable: writing to its
	// payload and reading it back must round-trip, and no two remaining
	// blocks may overlap.
	for i, blk := range blocks {
		if freed[i] {
			continue
		}
		for j, other := range blocks {
			if i == j || freed[j] {
				continue
			}
			if overlaps(blk, other) {
				t.Fatalf("surviving block %d overlaps surviving block %d", i, j)
			}
		}

		chunk, err := mgr.WritableBlock(blk.addr, blk.n)
		if err != nil {
			t.Fatalf("WritableBlock(%d): %v", i, err)
		}
		for k := range chunk.Data {
			chunk.Data[k] = byte(i)
		}
		readBack, err := mgr.ReadonlyBlock(blk.addr, blk.n)
		if err != nil {
			t.Fatalf("ReadonlyBlock(%d): %v", i, err)
		}
		for k := range readBack.Data {
			if readBack.Data[k] != byte(i) {
				t.Fatalf("block %d byte %d = %d, want %d", i, k, readBack.Data[k], byte(i))
			}
		}
	}

	// Re-allocating the freed capacity must not collide with any
	// surviving block.
	var live []liveBlock
	for i, blk := range blocks {
		if !freed[i] {
			live = append(live, blk)
		}
	}
	for i := 0; i < count/2; i++ {
		n := uint32(16 + rng.Intn(4096-16))
		addr, err := heap.Allocate(n)
		if err != nil {
			t.Fatalf("re-Allocate(%d): %v", n, err)
		}
		blk := liveBlock{addr: addr, n: n}
		for _, other := range live {
			if overlaps(blk, other) {
				t.Fatalf("reallocated block %+v overlaps surviving block %+v", blk, other)
			}
		}
		live = append(live, blk)
	}
}

func TestHeapDeallocateRejectsDoubleFree(t *testing.T) {
	mgr := newTestManager(t, 64*1024)
	heap, err := NewHeapSlot(mgr, 16)
	if err != nil {
		t.Fatalf("NewHeapSlot: %v", err)
	}

	addr, err := heap.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := heap.Deallocate(addr); err != nil {
		t.Fatalf("first Deallocate: %v", err)
	}
	if err := heap.Deallocate(addr); err == nil {
		t.Fatalf("expected second Deallocate of the same address to fail")
	}
}

func TestHeapGrowsAcrossSegments(t *testing.T) {
	mgr := newTestManager(t, 8*1024)
	heap, err := NewHeapSlot(mgr, 16)
	if err != nil {
		t.Fatalf("NewHeapSlot: %v", err)
	}

	for i := 0; i < 100; i++ {
		if _, err := heap.Allocate(256); err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
	}
	if mgr.AvailableSegments() < 2 {
		t.Fatalf("expected allocation to have grown past one segment, got %d", mgr.AvailableSegments())
	}
}
