package slot

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/iamNilotpal/vtmcore/internal/segment"
	"github.com/iamNilotpal/vtmcore/pkg/farref"
	"github.com/iamNilotpal/vtmcore/pkg/verrors"
)

// poolSlotHeaderSize is the per-PoolSlot region reserved in segment 0:
// a free-list head far address plus a free-count diagnostic.
const poolSlotHeaderSize = 16

// poolFreeNodeSize is the header threaded through every free slot: a
// next pointer plus the run-length optimization spec.md §4.3 describes.
const poolFreeNodeSize = 16

// PoolSlot is the fixed-size pool allocator slot spec.md §4.3 describes,
// specialized at compile time to payload type T via a Go type parameter.
// A process-wide free-list head lives in segment 0; free slots thread a
// singly-linked list through themselves, and a freshly adopted segment
// publishes one node covering a whole run of N consecutive slots rather
// than N individually-linked nodes.
//
// Grounded on iamNilotpal-ignite's fixed-record storage layout
// (internal/storage's entry framing) generalized into a generic slab
// allocator, and on unsafe.Sizeof for the type parameter's on-disk size
// the way the C++ source's sizeof(T) does at compile time.
type PoolSlot[T any] struct {
	mgr        *segment.Manager
	slotSize   uint32
	runHint    uint32
	baseOffset uint32
	headerOff  uint32 // this slot's own 16-byte region inside segment 0

	mu sync.Mutex
}

// NewPoolSlot wires a PoolSlot[T] against mgr, with its data region
// starting at the default MetadataArenaSize offset in every segment.
// headerIndex is this slot's construction-order index within its
// Topology, used to place its free-list head in a dedicated region of
// segment 0 so multiple pool slots never collide. runHint is how many
// consecutive slots a newly adopted segment publishes as one run
// (spec.md's "N consecutive free slots").
func NewPoolSlot[T any](mgr *segment.Manager, headerIndex int, runHint uint32) (*PoolSlot[T], error) {
	return NewPoolSlotAt(mgr, headerIndex, runHint, MetadataArenaSize)
}

// NewPoolSlotAt is NewPoolSlot with an explicit per-segment base offset,
// for topologies stacking multiple pool slots (and/or a HeapSlot) in the
// same segments: each slot after the first is constructed with
// baseOffset set to the previous slot's ReservedBytes().
func NewPoolSlotAt[T any](mgr *segment.Manager, headerIndex int, runHint uint32, baseOffset uint32) (*PoolSlot[T], error) {
	var zero T
	slotSize := uint32(unsafe.Sizeof(zero))
	if slotSize < poolFreeNodeSize {
		slotSize = poolFreeNodeSize
	}
	if runHint == 0 {
		runHint = 256
	}

	p := &PoolSlot[T]{
		mgr:        mgr,
		slotSize:   slotSize,
		runHint:    runHint,
		baseOffset: baseOffset,
		headerOff:  heapHeaderOffset + HeapHeaderSize + uint32(headerIndex)*poolSlotHeaderSize,
	}

	if err := mgr.EnsureSegment(0); err != nil {
		return nil, err
	}
	if err := p.bootstrap(); err != nil {
		return nil, err
	}

	mgr.OnSegmentAllocated(func(index uint32) {
		p.mu.Lock()
		_ = p.adoptSegment(index)
		p.mu.Unlock()
	})

	return p, nil
}

// ReservedBytes reports how many bytes of each segment this pool claims
// for its slot run, so a HeapSlot sharing the same segments can be built
// with NewHeapSlotAt past this region.
func (p *PoolSlot[T]) ReservedBytes() uint32 {
	return p.baseOffset + p.runHint*p.slotSize
}

func (p *PoolSlot[T]) headerBuf() ([]byte, error) {
	return p.mgr.RawBytes(farref.New(0, p.headerOff), poolSlotHeaderSize)
}

func (p *PoolSlot[T]) head() (farref.Addr, error) {
	buf, err := p.headerBuf()
	if err != nil {
		return farref.Nil, err
	}
	return getAddr(buf[0:8]), nil
}

func (p *PoolSlot[T]) setHead(addr farref.Addr) error {
	buf, err := p.headerBuf()
	if err != nil {
		return err
	}
	putAddr(buf[0:8], addr)
	return nil
}

func (p *PoolSlot[T]) addFreeCount(delta int64) error {
	buf, err := p.headerBuf()
	if err != nil {
		return err
	}
	cur := int64(binary.LittleEndian.Uint64(buf[8:16]))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(cur+delta))
	return nil
}

func (p *PoolSlot[T]) bootstrap() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf, err := p.headerBuf()
	if err != nil {
		return err
	}
	// A freshly created file's header is all zeros; setHead below replaces
	// the zero head with farref.Nil, so a non-zero header is one already
	// written by an earlier bootstrap.
	if uint64(getAddr(buf[0:8])) != 0 || binary.LittleEndian.Uint64(buf[8:16]) != 0 {
		return nil // already initialized
	}
	if err := p.setHead(farref.Nil); err != nil {
		return err
	}
	return p.adoptSegment(0)
}

// freeNode is the header threaded through a free slot: next pointer and
// the adjacent run count.
type freeNode struct {
	next     farref.Addr
	adjacent uint32
}

func (p *PoolSlot[T]) readNode(addr farref.Addr) (freeNode, error) {
	buf, err := p.mgr.RawBytes(addr, poolFreeNodeSize)
	if err != nil {
		return freeNode{}, err
	}
	return freeNode{
		next:     getAddr(buf[0:8]),
		adjacent: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

func (p *PoolSlot[T]) writeNode(addr farref.Addr, n freeNode) error {
	buf, err := p.mgr.RawBytes(addr, poolFreeNodeSize)
	if err != nil {
		return err
	}
	putAddr(buf[0:8], n.next)
	binary.LittleEndian.PutUint32(buf[8:12], n.adjacent)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	return nil
}

// adoptSegment carves runHint consecutive slots out of a freshly
// allocated segment and publishes them as one run node at the head of
// the free list.
func (p *PoolSlot[T]) adoptSegment(index uint32) error {
	avail := p.mgr.SegmentSize() - p.baseOffset
	n := avail / p.slotSize
	if n == 0 {
		return nil
	}
	if n > p.runHint {
		n = p.runHint
	}

	runAddr := farref.New(index, p.baseOffset)
	head, err := p.head()
	if err != nil {
		return err
	}
	if err := p.writeNode(runAddr, freeNode{next: head, adjacent: n - 1}); err != nil {
		return err
	}
	if err := p.setHead(runAddr); err != nil {
		return err
	}
	return p.addFreeCount(int64(n))
}

// Allocate reserves one slot, returning its far address. The n argument
// of the Slot interface is ignored past validating it fits the pool's
// fixed slot size; use Allocate(0) for the common case.
func (p *PoolSlot[T]) Allocate(n uint32) (farref.Addr, error) {
	if n > p.slotSize {
		return farref.Nil, verrors.NewAllocatorError(nil, verrors.CodeNoMemory, "requested size exceeds fixed pool slot size").
			WithRequestedSize(n)
	}

	p.mu.Lock()
	head, err := p.head()
	if err != nil {
		p.mu.Unlock()
		return farref.Nil, err
	}
	if head.IsNil() {
		// EnsureSegment fires OnSegmentAllocated synchronously, and that
		// listener takes p.mu itself: the lock must be released before
		// calling it, or a single-threaded deadlock follows.
		next := p.mgr.AvailableSegments()
		p.mu.Unlock()
		if err := p.mgr.EnsureSegment(next); err != nil {
			return farref.Nil, err
		}
		p.mu.Lock()
		head, err = p.head()
		if err != nil {
			p.mu.Unlock()
			return farref.Nil, err
		}
		if head.IsNil() {
			p.mu.Unlock()
			return farref.Nil, verrors.NewAllocatorError(nil, verrors.CodeNoMemory, "pool exhausted after growth").
				WithRequestedSize(p.slotSize)
		}
	}
	defer p.mu.Unlock()

	node, err := p.readNode(head)
	if err != nil {
		return farref.Nil, err
	}

	if node.adjacent > 0 {
		// Advance within the same run rather than dereferencing a next
		// pointer: the next slot in the run becomes the new head, still
		// carrying the rest of the run.
		nextInRun := head.Add(p.slotSize)
		if err := p.writeNode(nextInRun, freeNode{next: node.next, adjacent: node.adjacent - 1}); err != nil {
			return farref.Nil, err
		}
		if err := p.setHead(nextInRun); err != nil {
			return farref.Nil, err
		}
	} else {
		if err := p.setHead(node.next); err != nil {
			return farref.Nil, err
		}
	}

	if err := p.addFreeCount(-1); err != nil {
		return farref.Nil, err
	}
	return head, nil
}

// Deallocate returns addr's slot to the front of the free list as a
// standalone, non-run node.
func (p *PoolSlot[T]) Deallocate(addr farref.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	head, err := p.head()
	if err != nil {
		return err
	}
	if err := p.writeNode(addr, freeNode{next: head, adjacent: 0}); err != nil {
		return err
	}
	if err := p.setHead(addr); err != nil {
		return err
	}
	return p.addFreeCount(1)
}
