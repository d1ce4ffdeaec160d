package segment

import (
	"container/list"
	"sync"

	"golang.org/x/sys/unix"
)

// lruCache is the bounded LRU segment cache spec.md §4.1 describes: a
// miss mmaps the region, eviction unmaps it. Per spec's concurrency
// model, the cache structure itself needs exclusive access to mutate
// (insert/evict), but once a *Segment is handed back to a caller its
// byte slice can be read or written without holding the cache lock —
// "chunk handing-out is otherwise lock-free once the segment is cached".
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List // front = most recently used
	items    map[uint32]*list.Element
}

type cacheEntry struct {
	index uint32
	seg   *Segment
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[uint32]*list.Element, capacity),
	}
}

// get returns the cached segment for index and promotes it to
// most-recently-used, or (nil, false) on a miss.
func (c *lruCache) get(index uint32) (*Segment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[index]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).seg, true
}

// put inserts seg, evicting the least-recently-used mapping if the cache
// is at capacity. Returns the evicted segment, if any, so the caller can
// munmap it outside the cache lock.
func (c *lruCache) put(seg *Segment) (evicted *Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[seg.Index]; ok {
		el.Value.(*cacheEntry).seg = seg
		c.ll.MoveToFront(el)
		return nil
	}

	el := c.ll.PushFront(&cacheEntry{index: seg.Index, seg: seg})
	c.items[seg.Index] = el

	if c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back != nil {
			entry := back.Value.(*cacheEntry)
			c.ll.Remove(back)
			delete(c.items, entry.index)
			evicted = entry.seg
		}
	}
	return evicted
}

// all returns every currently cached segment, used by Flush to msync
// every dirty mapping.
func (c *lruCache) all() []*Segment {
	c.mu.Lock()
	defer c.mu.Unlock()

	segs := make([]*Segment, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		segs = append(segs, el.Value.(*cacheEntry).seg)
	}
	return segs
}

// drain removes and returns every cached segment, for use during Close.
func (c *lruCache) drain() []*Segment {
	c.mu.Lock()
	defer c.mu.Unlock()

	segs := make([]*Segment, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		segs = append(segs, el.Value.(*cacheEntry).seg)
	}
	c.ll.Init()
	c.items = make(map[uint32]*list.Element)
	return segs
}

func munmapSegment(seg *Segment) error {
	if seg.Data == nil {
		return nil
	}
	return unix.Munmap(seg.Data)
}
