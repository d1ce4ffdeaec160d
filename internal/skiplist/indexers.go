package skiplist

import (
	"sync/atomic"

	"github.com/dchest/siphash"

	"github.com/iamNilotpal/vtmcore/pkg/farref"
)

// siphash keys are fixed and unkeyed-by-design: these indexers are a
// pruning heuristic, not a security boundary, so a stable well-known key
// pair is fine and keeps Check reproducible across process restarts.
const (
	siphashK0 = 0x4c6f6e67746f6f6e
	siphashK1 = 0x4966796f757265 // "Ifyoure" - arbitrary fixed key material
)

// RangeFunc extracts the byte range a record occupies, for the
// bloom-by-key-range and min/max indexers.
type RangeFunc[T any] func(x T) farref.Range

// TidFunc extracts the owning transaction id a record was written
// under, for the bloom-by-transaction-id indexer.
type TidFunc[T any] func(x T) uint64

func rangeHashBits(r farref.Range) uint64 {
	var buf [16]byte
	// A range never crosses a segment boundary, so two overlapping ranges
	// always share a segment: keying the bits on the segment index alone
	// keeps Check free of false negatives for any overlapping query.
	startAddr := uint64(r.Addr.Segment())
	endAddr := startAddr
	buf[0] = byte(startAddr)
	buf[1] = byte(startAddr >> 8)
	buf[2] = byte(startAddr >> 16)
	buf[3] = byte(startAddr >> 24)
	buf[4] = byte(startAddr >> 32)
	buf[5] = byte(startAddr >> 40)
	buf[6] = byte(startAddr >> 48)
	buf[7] = byte(startAddr >> 56)
	buf[8] = byte(endAddr)
	buf[9] = byte(endAddr >> 8)
	buf[10] = byte(endAddr >> 16)
	buf[11] = byte(endAddr >> 24)
	buf[12] = byte(endAddr >> 32)
	buf[13] = byte(endAddr >> 40)
	buf[14] = byte(endAddr >> 48)
	buf[15] = byte(endAddr >> 56)

	h1 := siphash.Hash(siphashK0, siphashK1, buf[:])
	h2 := siphash.Hash(siphashK1, siphashK0, buf[:])
	return (uint64(1) << (h1 % 64)) | (uint64(1) << (h2 % 64))
}

// BloomRangeIndexer folds the segment index of every inserted record's
// byte range into a 64-bit bloom filter (two hash functions), and answers
// Check by testing whether all of the query segment's bits are already
// set. It prunes only buckets holding no record in the query's segment;
// offsets within a segment are not distinguished.
type BloomRangeIndexer[T any] struct {
	extract RangeFunc[T]
	bits    atomic.Uint64
}

// NewBloomRangeIndexer builds a BloomRangeIndexer using extract to read
// a record's range.
func NewBloomRangeIndexer[T any](extract RangeFunc[T]) *BloomRangeIndexer[T] {
	return &BloomRangeIndexer[T]{extract: extract}
}

func (idx *BloomRangeIndexer[T]) Index(x T) {
	mask := rangeHashBits(idx.extract(x))
	for {
		old := idx.bits.Load()
		if old&mask == mask {
			return
		}
		if idx.bits.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

func (idx *BloomRangeIndexer[T]) Check(query Query) CheckResult {
	if query.Range == nil {
		return NotSure
	}
	mask := rangeHashBits(*query.Range)
	if idx.bits.Load()&mask != mask {
		return Next
	}
	return NotSure
}

// MinMaxIndexer tracks the smallest left edge and largest right edge
// ever inserted (as the Addr's raw uint64 ordering, which is
// segment-major/offset-minor) and rejects queries entirely outside that
// span.
type MinMaxIndexer[T any] struct {
	extract RangeFunc[T]
	min     atomic.Uint64
	max     atomic.Uint64
	seen    atomic.Bool
}

// NewMinMaxIndexer builds a MinMaxIndexer using extract to read a
// record's range.
func NewMinMaxIndexer[T any](extract RangeFunc[T]) *MinMaxIndexer[T] {
	idx := &MinMaxIndexer[T]{extract: extract}
	idx.min.Store(^uint64(0))
	return idx
}

func (idx *MinMaxIndexer[T]) Index(x T) {
	r := idx.extract(x)
	lo := uint64(r.Addr)
	hi := uint64(r.End())
	idx.seen.Store(true)
	for {
		old := idx.min.Load()
		if old <= lo {
			break
		}
		if idx.min.CompareAndSwap(old, lo) {
			break
		}
	}
	for {
		old := idx.max.Load()
		if old >= hi {
			break
		}
		if idx.max.CompareAndSwap(old, hi) {
			break
		}
	}
}

func (idx *MinMaxIndexer[T]) Check(query Query) CheckResult {
	if query.Range == nil || !idx.seen.Load() {
		return NotSure
	}
	lo, hi := uint64(query.Range.Addr), uint64(query.Range.End())
	if hi <= idx.min.Load() || lo >= idx.max.Load() {
		return Next
	}
	return NotSure
}

// BloomTidIndexer folds every inserted record's owning transaction id
// into a 64-bit bloom bit (a single siphash-selected bit OR-ed in),
// rejecting queries whose transaction id's bit is missing.
type BloomTidIndexer[T any] struct {
	extract TidFunc[T]
	bits    atomic.Uint64
}

// NewBloomTidIndexer builds a BloomTidIndexer using extract to read a
// record's owning transaction id.
func NewBloomTidIndexer[T any](extract TidFunc[T]) *BloomTidIndexer[T] {
	return &BloomTidIndexer[T]{extract: extract}
}

func tidHashBit(tid uint64) uint64 {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(tid >> (8 * i))
	}
	h := siphash.Hash(siphashK0, siphashK1, buf[:])
	return uint64(1) << (h % 64)
}

func (idx *BloomTidIndexer[T]) Index(x T) {
	bit := tidHashBit(idx.extract(x))
	for {
		old := idx.bits.Load()
		if old&bit != 0 {
			return
		}
		if idx.bits.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

func (idx *BloomTidIndexer[T]) Check(query Query) CheckResult {
	if query.Tid == nil {
		return NotSure
	}
	if idx.bits.Load()&tidHashBit(*query.Tid) == 0 {
		return Next
	}
	return NotSure
}
