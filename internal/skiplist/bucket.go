// Package skiplist implements the bucketed, indexed append-only
// container spec.md §4.5 describes: fixed-capacity buckets holding
// pointers to user records, with per-bucket indexers that let a scan
// prune buckets it can prove hold no match while never skipping one
// that might (false positives allowed, false negatives are a bug).
//
// Grounded on original_source/impl/op/vtm/MemoryManager.h's bucketed
// free-space index for the presence-bitmap-plus-indexer-tuple design,
// and on pkg/bitset (itself grounded on Bitset.h) for the atomic
// presence mask. The per-bucket data slice uses Go generics and
// atomic.Pointer[T] in place of the source's std::atomic<T*> array.
package skiplist

import (
	"sync/atomic"

	"github.com/iamNilotpal/vtmcore/pkg/bitset"
	"github.com/iamNilotpal/vtmcore/pkg/farref"
)

// bucketStatus is a Bucket's lifecycle state.
type bucketStatus int32

const (
	statusValid bucketStatus = iota
	statusGarbage
)

// CheckResult is what an Indexer's Check returns for a query against one
// bucket.
type CheckResult int

const (
	// Next means the bucket provably holds no match; skip it entirely.
	Next CheckResult = iota
	// NotSure means the indexer can't rule the bucket out; scan it.
	NotSure
	// Worth means the indexer believes the bucket likely matches; scan
	// it. Distinguished from NotSure only for callers that want to
	// prioritize buckets indexers are confident about.
	Worth
)

// Query bundles the criteria a Scan can prune buckets by. A nil field
// means "don't filter on this dimension" — every indexer treats its own
// nil field as NotSure rather than Next.
type Query struct {
	Range *farref.Range
	Tid   *uint64
}

// Indexer is a per-bucket accelerator: it folds every inserted record
// into some summary state, then answers whether a bucket could possibly
// contain a match for query. Indexers are append-only — there is no
// remove callback — so false positives accumulate over a bucket's
// lifetime but false negatives never occur.
type Indexer[T any] interface {
	Index(x T)
	Check(query Query) CheckResult
}

// Bucket is a fixed-capacity slot array with a presence bitmap and a set
// of indexers folded over every record ever written to it.
type Bucket[T any] struct {
	capacity int
	presence *bitset.Set
	status   atomic.Int32
	size     atomic.Int64
	data     []atomic.Pointer[T]
	indexers []Indexer[T]
}

func newBucket[T any](capacity int, makeIndexers func() []Indexer[T]) *Bucket[T] {
	b := &Bucket[T]{
		capacity: capacity,
		presence: bitset.New(capacity),
		data:     make([]atomic.Pointer[T], capacity),
	}
	if makeIndexers != nil {
		b.indexers = makeIndexers()
	}
	return b
}

// Garbage reports whether the bucket has been fully vacated and is
// waiting for a sweep to remove it from its List.
func (b *Bucket[T]) Garbage() bool {
	return bucketStatus(b.status.Load()) == statusGarbage
}

// Len returns the bucket's fixed slot capacity.
func (b *Bucket[T]) Len() int {
	return b.capacity
}

// At returns the record at slot i, or nil if that slot is empty.
func (b *Bucket[T]) At(i int) *T {
	if !b.presence.IsSet(i) {
		return nil
	}
	return b.data[i].Load()
}

// checkAll runs every indexer against query, returning Next the moment
// any indexer rules the bucket out.
func (b *Bucket[T]) checkAll(query Query) CheckResult {
	result := NotSure
	for _, ix := range b.indexers {
		switch ix.Check(query) {
		case Next:
			return Next
		case Worth:
			result = Worth
		}
	}
	return result
}
