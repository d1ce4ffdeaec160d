// Package segment implements the segment manager: it owns the backing
// file, creates/maps/caches fixed-size segments, and exposes raw
// readonly/writable byte chunks by far address (spec.md §4.1).
//
// Grounded on iamNilotpal-ignite/internal/storage/storage.go for the
// bootstrap/recovery sequencing and Config/New shape, and on
// other_examples/d6c8e96d_marmos91-dittofs__pkg-cache-mmap.go.go /
// other_examples/031b72b6_marmos91-dittofs__pkg-wal-mmap.go.go for the
// golang.org/x/sys/unix mmap/munmap/msync usage this package wraps.
//
// Unlike the teacher, which manages one file per logical segment, vtmcore
// follows spec.md §6: a single growing file holds every segment back to
// back, extended with ftruncate and mapped region by region. That file
// model makes the teacher's pkg/seginfo/pkg/filesys naming helpers
// inapplicable here — see DESIGN.md.
package segment

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/iamNilotpal/vtmcore/pkg/farref"
)

// Signature identifies a valid vtmcore segment file, written to the
// header of segment 0 and validated on Open (spec.md §6).
const Signature uint32 = 0xDEADF00D

// HeaderSize is the byte size of the on-disk SegmentHeader, rounded up to
// the alignment boundary.
const HeaderSize = 16

// Header is the per-segment header spec.md §6 describes: a signature and
// the segment size every segment in the file shares.
type Header struct {
	Signature   uint32
	SegmentSize uint32
}

// Encode writes h into buf[:HeaderSize] in little-endian form.
func (h Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], h.SegmentSize)
}

// DecodeHeader reads a Header from buf[:HeaderSize].
func DecodeHeader(buf []byte) Header {
	return Header{
		Signature:   binary.LittleEndian.Uint32(buf[0:4]),
		SegmentSize: binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// Segment is one mapped region of the backing file: index*segmentSize to
// (index+1)*segmentSize, exposed as a byte slice backed by mmap.
type Segment struct {
	Index uint32
	Data  []byte
}

// Chunk is a far address, a byte buffer (its length is the chunk's
// length) and a writable flag. A Chunk returned by
// ReadonlyBlock/WritableBlock borrows directly into the segment's mapped
// memory; it carries no ownership flag, and owned shadow buffers are a
// concern of internal/mvcc, one layer up.
type Chunk struct {
	Addr     farref.Addr
	Data     []byte
	Writable bool
}

// Listener is invoked once per newly allocated segment, after its header
// is written and before EnsureSegment returns, matching spec.md's
// on_segment_allocated hook.
type Listener func(index uint32)

// instanceTag is attached to every metrics/log line a Manager emits so
// multiple engines opened in one process don't collide in Prometheus.
func newInstanceTag() string {
	return uuid.NewString()
}
