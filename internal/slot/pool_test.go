package slot

import "testing"

// fixedRecord is a stand-in payload type for PoolSlot[T], sized well
// above poolFreeNodeSize so the pool doesn't round it up.
type fixedRecord struct {
	A uint64
	B uint64
	C uint64
}

func TestPoolSlotAllocateDeallocateRoundTrip(t *testing.T) {
	mgr := newTestManager(t, 16*1024)
	pool, err := NewPoolSlot[fixedRecord](mgr, 0, 8)
	if err != nil {
		t.Fatalf("NewPoolSlot: %v", err)
	}

	a, err := pool.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b, err := pool.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a == b {
		t.Fatalf("two Allocate calls returned the same address")
	}

	if err := pool.Deallocate(a); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}

	c, err := pool.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate after free: %v", err)
	}
	if c != a {
		t.Fatalf("Allocate after Deallocate returned %s, want the freed slot %s", c, a)
	}
}

func TestPoolSlotGrowsAcrossSegments(t *testing.T) {
	mgr := newTestManager(t, 8*1024)
	pool, err := NewPoolSlot[fixedRecord](mgr, 0, 4)
	if err != nil {
		t.Fatalf("NewPoolSlot: %v", err)
	}

	seen := make(map[uint64]bool)
	for i := 0; i < 200; i++ {
		addr, err := pool.Allocate(0)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		key := uint64(addr)
		if seen[key] {
			t.Fatalf("Allocate #%d returned a duplicate address %s", i, addr)
		}
		seen[key] = true
	}
	if mgr.AvailableSegments() < 2 {
		t.Fatalf("expected pool growth to span multiple segments, got %d", mgr.AvailableSegments())
	}
}

func TestPoolSlotRejectsOversizedRequest(t *testing.T) {
	mgr := newTestManager(t, 16*1024)
	pool, err := NewPoolSlot[fixedRecord](mgr, 0, 8)
	if err != nil {
		t.Fatalf("NewPoolSlot: %v", err)
	}
	if _, err := pool.Allocate(1 << 20); err == nil {
		t.Fatalf("expected an oversized Allocate request to fail")
	}
}
