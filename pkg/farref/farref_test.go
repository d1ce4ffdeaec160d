package farref

import "testing"

func TestAddrPackUnpack(t *testing.T) {
	a := New(7, 0x1234)
	if got := a.Segment(); got != 7 {
		t.Fatalf("Segment() = %d, want 7", got)
	}
	if got := a.Offset(); got != 0x1234 {
		t.Fatalf("Offset() = %#x, want %#x", got, 0x1234)
	}
	if a.IsNil() {
		t.Fatalf("New(7, 0x1234) reported nil")
	}
}

func TestNilSentinel(t *testing.T) {
	if !Nil.IsNil() {
		t.Fatalf("Nil.IsNil() = false")
	}
	// segment 0xFFFFFFFF, offset 0xFFFFFFFF must not collide with any
	// real address built from New().
	if New(0, 0) == Nil {
		t.Fatalf("New(0, 0) collided with Nil")
	}
}

func TestAddrAdd(t *testing.T) {
	a := New(3, 0x100)
	b := a.Add(0x40)
	if b.Segment() != 3 || b.Offset() != 0x140 {
		t.Fatalf("Add() = %s, want 3:0x140", b)
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ n, align, want uint32 }{
		{0, 16, 0},
		{1, 16, 16},
		{16, 16, 16},
		{17, 16, 32},
		{33, 16, 48},
	}
	for _, c := range cases {
		if got := AlignUp(c.n, c.align); got != c.want {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", c.n, c.align, got, c.want)
		}
	}
}

func TestRangeOverlaps(t *testing.T) {
	r1 := NewRange(New(0, 0x100), 0x20)
	r2 := NewRange(New(0, 0x110), 0x20)
	r3 := NewRange(New(0, 0x200), 0x20)
	r4 := NewRange(New(1, 0x100), 0x20)

	if !r1.Overlaps(r2) {
		t.Fatalf("expected r1 and r2 to overlap")
	}
	if r1.Overlaps(r3) {
		t.Fatalf("expected r1 and r3 not to overlap (disjoint offsets)")
	}
	if r1.Overlaps(r4) {
		t.Fatalf("expected r1 and r4 not to overlap (different segments)")
	}
}

func TestRangeIntersect(t *testing.T) {
	r1 := NewRange(New(0, 0x100), 0x20) // [0x100, 0x120)
	r2 := NewRange(New(0, 0x110), 0x20) // [0x110, 0x130)

	got, ok := r1.Intersect(r2)
	if !ok {
		t.Fatalf("expected an intersection")
	}
	want := NewRange(New(0, 0x110), 0x10) // [0x110, 0x120)
	if got != want {
		t.Fatalf("Intersect() = %+v, want %+v", got, want)
	}

	r3 := NewRange(New(0, 0x200), 0x10)
	if _, ok := r1.Intersect(r3); ok {
		t.Fatalf("expected no intersection with disjoint range")
	}
}
