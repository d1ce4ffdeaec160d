package slot

import (
	"encoding/binary"
	"math/bits"
	"sync"

	"github.com/iamNilotpal/vtmcore/internal/segment"
	"github.com/iamNilotpal/vtmcore/pkg/farref"
	"github.com/iamNilotpal/vtmcore/pkg/verrors"
)

// NumSizeClasses is the number of power-of-two free-list buckets the
// heap keeps, enough to cover any allocation up to a multi-gigabyte
// segment (spec.md §4.2: "roughly 32 classes").
const NumSizeClasses = 32

const (
	heapHeaderSignature uint32 = 0xDEAD2EAF
	heapBlockSignature  uint32 = 0xB10C5123

	// MetadataArenaSize is how many bytes at the front of every segment
	// are reserved for shared slot metadata (the HeapHeader, and one
	// poolSlotHeaderSize region per PoolSlot). Every slot's actual data
	// region defaults to starting after this arena, so an arbitrary
	// number of slots can share segment 0 without the data of one
	// overwriting another's header, at the cost of reserving (and
	// wasting, in segments other than 0) a small fixed prefix. The
	// reference design packs headers tightly instead; this trades a
	// few KB of segment space for simpler, collision-free composition.
	MetadataArenaSize uint32 = 4096

	// heapHeaderOffset is where the shared HeapHeader lives inside
	// segment 0, immediately after the segment's own on-disk Header.
	heapHeaderOffset = uint32(segment.HeaderSize)

	// HeapHeaderSize: signature(4) + total(8) + free(8) + one far
	// address per size class(8 each).
	HeapHeaderSize = 4 + 8 + 8 + NumSizeClasses*8

	// BlockHeaderSize: signature(4) + size(4) + free flag(4) + pad(4) +
	// next far address(8).
	BlockHeaderSize = 24

	// minSplitSpace is the smallest leftover payload worth carving a
	// second block out of a larger one for.
	minSplitSpace = 32
)

// HeapSlot is the size-class heap allocator spec.md §4.2 describes: a
// shared log2 free-list rooted in segment 0 (HeapHeader + per-class
// free-list heads), with every segment's remaining bytes organized into
// a forward-linked chain of HeapBlockHeader records.
//
// Grounded on iamNilotpal-ignite/internal/storage's block-header-chain
// idea, generalized from per-file fixed records into the log2-bucketed
// free list this spec calls for, and on math/bits for the size-class
// computation the C++ source does with a De Bruijn lookup table.
//
// The reference design's free list is lock-free; this port guards the
// whole shared header region with one mutex instead, the same
// coarse-grained trade the append log's "single recursive mutex guards
// header mutation" (spec.md §4.4) already makes for its own header.
type HeapSlot struct {
	mgr   *segment.Manager
	align uint32

	// baseOffset is where this heap's carved region starts within every
	// segment. NewHeapSlot sets it to MetadataArenaSize; NewHeapSlotAt
	// takes it explicitly (never below the segment header) so a PoolSlot
	// can reserve the leading bytes of the same segments.
	baseOffset uint32

	mu sync.Mutex
}

// NewHeapSlot wires a HeapSlot against mgr, bootstrapping segment 0's
// shared header the first time it is created and registering a listener
// that carves every newly allocated segment into one free block.
func NewHeapSlot(mgr *segment.Manager, align uint32) (*HeapSlot, error) {
	return NewHeapSlotAt(mgr, align, MetadataArenaSize)
}

// NewHeapSlotAt is NewHeapSlot with an explicit per-segment base offset,
// for topologies that reserve earlier bytes of each segment for other
// slots (a PoolSlot, typically).
func NewHeapSlotAt(mgr *segment.Manager, align uint32, baseOffset uint32) (*HeapSlot, error) {
	if align == 0 {
		align = farref.Align
	}
	if baseOffset < uint32(segment.HeaderSize) {
		baseOffset = uint32(segment.HeaderSize)
	}
	h := &HeapSlot{mgr: mgr, align: align, baseOffset: baseOffset}

	if err := mgr.EnsureSegment(0); err != nil {
		return nil, err
	}
	if err := h.bootstrap(); err != nil {
		return nil, err
	}

	mgr.OnSegmentAllocated(func(index uint32) {
		if index == 0 {
			return
		}
		h.mu.Lock()
		_ = h.adoptSegment(index)
		h.mu.Unlock()
	})

	return h, nil
}

// bootstrap initializes the shared HeapHeader in segment 0 if it hasn't
// been written yet, and carves segment 0's own leftover bytes (after the
// segment header and the HeapHeader itself) into the first free block.
func (h *HeapSlot) bootstrap() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf, err := h.mgr.RawBytes(farref.New(0, heapHeaderOffset), HeapHeaderSize)
	if err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(buf[0:4]) == heapHeaderSignature {
		return nil // already initialized, opening an existing file
	}

	binary.LittleEndian.PutUint32(buf[0:4], heapHeaderSignature)
	binary.LittleEndian.PutUint64(buf[4:12], 0)
	binary.LittleEndian.PutUint64(buf[12:20], 0)
	for i := 0; i < NumSizeClasses; i++ {
		putAddr(buf[20+i*8:28+i*8], farref.Nil)
	}

	base := heapHeaderOffset + HeapHeaderSize
	if h.baseOffset > base {
		base = h.baseOffset
	}
	return h.carveSegment(0, base)
}

// adoptSegment carves the whole heap region of a freshly allocated
// segment (everything past baseOffset) into one free block.
func (h *HeapSlot) adoptSegment(index uint32) error {
	return h.carveSegment(index, h.baseOffset)
}

// carveSegment creates one free HeapBlockHeader covering [startOffset,
// segmentSize) in the given segment and links it into its size class.
func (h *HeapSlot) carveSegment(index uint32, startOffset uint32) error {
	segSize := h.mgr.SegmentSize()
	if startOffset+BlockHeaderSize >= segSize {
		return nil // segment too small to host any heap block at all
	}
	blockAddr := farref.New(index, startOffset)
	payload := segSize - startOffset - BlockHeaderSize

	if err := h.writeBlockHeader(blockAddr, heapBlockSignature, payload, true, farref.Nil); err != nil {
		return err
	}
	if err := h.pushFree(blockAddr, payload); err != nil {
		return err
	}
	return h.addTotal(int64(payload), int64(payload))
}

func putAddr(buf []byte, a farref.Addr) {
	binary.LittleEndian.PutUint64(buf, uint64(a))
}

func getAddr(buf []byte) farref.Addr {
	return farref.Addr(binary.LittleEndian.Uint64(buf))
}

func classIndex(size uint32) int {
	if size == 0 {
		return 0
	}
	c := bits.Len32(size) - 1 // floor(log2(size)): class guarantees size >= 2^c
	if c >= NumSizeClasses {
		c = NumSizeClasses - 1
	}
	return c
}

func (h *HeapSlot) headerBuf() ([]byte, error) {
	return h.mgr.RawBytes(farref.New(0, heapHeaderOffset), HeapHeaderSize)
}

func (h *HeapSlot) classHead(cls int) (farref.Addr, error) {
	buf, err := h.headerBuf()
	if err != nil {
		return farref.Nil, err
	}
	off := 20 + cls*8
	return getAddr(buf[off : off+8]), nil
}

func (h *HeapSlot) setClassHead(cls int, addr farref.Addr) error {
	buf, err := h.headerBuf()
	if err != nil {
		return err
	}
	off := 20 + cls*8
	putAddr(buf[off:off+8], addr)
	return nil
}

func (h *HeapSlot) addTotal(totalDelta, freeDelta int64) error {
	buf, err := h.headerBuf()
	if err != nil {
		return err
	}
	total := int64(binary.LittleEndian.Uint64(buf[4:12])) + totalDelta
	free := int64(binary.LittleEndian.Uint64(buf[12:20])) + freeDelta
	binary.LittleEndian.PutUint64(buf[4:12], uint64(total))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(free))
	return nil
}

func (h *HeapSlot) readBlockHeader(addr farref.Addr) (sig, size uint32, free bool, next farref.Addr, err error) {
	buf, err := h.mgr.RawBytes(addr, BlockHeaderSize)
	if err != nil {
		return 0, 0, false, farref.Nil, err
	}
	sig = binary.LittleEndian.Uint32(buf[0:4])
	size = binary.LittleEndian.Uint32(buf[4:8])
	free = binary.LittleEndian.Uint32(buf[8:12]) != 0
	next = getAddr(buf[16:24])
	return sig, size, free, next, nil
}

func (h *HeapSlot) writeBlockHeader(addr farref.Addr, sig, size uint32, free bool, next farref.Addr) error {
	buf, err := h.mgr.RawBytes(addr, BlockHeaderSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[0:4], sig)
	binary.LittleEndian.PutUint32(buf[4:8], size)
	freeFlag := uint32(0)
	if free {
		freeFlag = 1
	}
	binary.LittleEndian.PutUint32(buf[8:12], freeFlag)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	putAddr(buf[16:24], next)
	return nil
}

// pushFree links blockAddr onto the front of its size class's free list.
func (h *HeapSlot) pushFree(blockAddr farref.Addr, payload uint32) error {
	cls := classIndex(payload)
	head, err := h.classHead(cls)
	if err != nil {
		return err
	}
	if err := h.writeBlockHeader(blockAddr, heapBlockSignature, payload, true, head); err != nil {
		return err
	}
	return h.setClassHead(cls, blockAddr)
}

// popFit searches class cls upward for the first free block with
// payload >= want, unlinking it from its list and returning its
// address and payload size. Returns (Nil, 0, nil) if none found.
func (h *HeapSlot) popFit(want uint32) (farref.Addr, uint32, error) {
	for cls := classIndex(want); cls < NumSizeClasses; cls++ {
		var prev farref.Addr = farref.Nil
		cur, err := h.classHead(cls)
		if err != nil {
			return farref.Nil, 0, err
		}

		for !cur.IsNil() {
			_, size, free, next, err := h.readBlockHeader(cur)
			if err != nil {
				return farref.Nil, 0, err
			}
			if free && size >= want {
				if prev.IsNil() {
					if err := h.setClassHead(cls, next); err != nil {
						return farref.Nil, 0, err
					}
				} else {
					if err := h.relink(prev, next); err != nil {
						return farref.Nil, 0, err
					}
				}
				return cur, size, nil
			}
			prev = cur
			cur = next
		}
	}
	return farref.Nil, 0, nil
}

func (h *HeapSlot) relink(blockAddr, next farref.Addr) error {
	sig, size, free, _, err := h.readBlockHeader(blockAddr)
	if err != nil {
		return err
	}
	return h.writeBlockHeader(blockAddr, sig, size, free, next)
}

// Allocate reserves n bytes, rounded up to the configured alignment,
// and returns the far address of the user payload. It grows the
// backing file by one segment, at most once, if no existing free block
// fits (spec.md §4.2 step 3).
func (h *HeapSlot) Allocate(n uint32) (farref.Addr, error) {
	want := farref.AlignUp(n, h.align)

	h.mu.Lock()
	blockAddr, size, err := h.popFit(want)
	if err != nil {
		h.mu.Unlock()
		return farref.Nil, err
	}
	if blockAddr.IsNil() {
		// EnsureSegment fires OnSegmentAllocated synchronously, and that
		// listener takes h.mu itself: the lock must be released before
		// calling it, or a single-threaded deadlock follows.
		next := h.mgr.AvailableSegments()
		h.mu.Unlock()
		if err := h.mgr.EnsureSegment(next); err != nil {
			return farref.Nil, err
		}
		h.mu.Lock()
		blockAddr, size, err = h.popFit(want)
		if err != nil {
			h.mu.Unlock()
			return farref.Nil, err
		}
	}
	defer h.mu.Unlock()
	if blockAddr.IsNil() {
		return farref.Nil, verrors.NewAllocatorError(nil, verrors.CodeNoMemory, "no free heap block large enough").
			WithRequestedSize(want)
	}

	deposited := size
	if size >= want+BlockHeaderSize+minSplitSpace {
		tailOffset := blockAddr.Offset() + BlockHeaderSize + want
		tailAddr := farref.New(blockAddr.Segment(), tailOffset)
		tailPayload := size - want - BlockHeaderSize

		if err := h.writeBlockHeader(blockAddr, heapBlockSignature, want, false, farref.Nil); err != nil {
			return farref.Nil, err
		}
		if err := h.writeBlockHeader(tailAddr, heapBlockSignature, tailPayload, true, farref.Nil); err != nil {
			return farref.Nil, err
		}
		if err := h.pushFree(tailAddr, tailPayload); err != nil {
			return farref.Nil, err
		}
		deposited = want
	} else {
		if err := h.writeBlockHeader(blockAddr, heapBlockSignature, size, false, farref.Nil); err != nil {
			return farref.Nil, err
		}
	}

	if err := h.addTotal(0, -int64(deposited)); err != nil {
		return farref.Nil, err
	}

	payload := farref.New(blockAddr.Segment(), blockAddr.Offset()+BlockHeaderSize)
	return payload, nil
}

// Deallocate returns the block backing addr to its size class's free
// list. It is an AllocatorError (CodeInvalidBlock) to deallocate a
// corrupt address or one that is already free.
func (h *HeapSlot) Deallocate(addr farref.Addr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	headerAddr := farref.New(addr.Segment(), addr.Offset()-BlockHeaderSize)
	sig, size, free, _, err := h.readBlockHeader(headerAddr)
	if err != nil {
		return err
	}
	if sig != heapBlockSignature || free {
		return verrors.NewAllocatorError(nil, verrors.CodeInvalidBlock, "deallocate of invalid or already-free block").
			WithRequestedSize(size)
	}

	if err := h.pushFree(headerAddr, size); err != nil {
		return err
	}
	return h.addTotal(0, int64(size))
}
