package walog

import (
	"encoding/binary"

	"github.com/iamNilotpal/vtmcore/pkg/farref"
	"github.com/iamNilotpal/vtmcore/pkg/verrors"
)

// RecordFunc is invoked once per record in insertion order. addr is the
// record's own far address (as returned by Allocate/Construct);
// payload is the record's payload bytes, read directly from the mapped
// segment.
type RecordFunc func(addr farref.Addr, payload []byte) error

// ForEach iterates every record from FirstRecord up to a snapshot of
// EndRecord taken under the header lock, matching spec.md §4.4:
// "Re-reads the end_record field under lock to pick up concurrently
// appended records" without holding that lock for the whole scan, so a
// long callback never blocks writers.
func (l *Log) ForEach(fn RecordFunc) error {
	l.headerMu.Lock()
	h, _, err := l.readHeader()
	l.headerMu.Unlock()
	if err != nil {
		return err
	}

	cur := h.firstRecord
	end := h.endRecord

	for cur != end {
		if uint64(cur.Offset())+RecordHeaderSize > uint64(h.segmentSize) {
			cur = farref.New(cur.Segment()+1, 0)
			continue
		}

		recBuf, err := l.mgr.RawBytes(cur, RecordHeaderSize)
		if err != nil {
			return err
		}
		if binary.LittleEndian.Uint32(recBuf[0:4]) != recordSignature {
			// Allocate skips to the next segment when a whole record does
			// not fit, leaving the unused tail of this one unwritten.
			if cur.Segment() < end.Segment() {
				cur = farref.New(cur.Segment()+1, 0)
				continue
			}
			return verrors.NewStorageError(nil, verrors.CodeInvalidBlock, "corrupt record header").WithOffset(cur.Offset())
		}
		byteSize := binary.LittleEndian.Uint32(recBuf[4:8])

		payloadAddr := farref.New(cur.Segment(), cur.Offset()+RecordHeaderSize)
		payload, err := l.mgr.RawBytes(payloadAddr, byteSize)
		if err != nil {
			return err
		}
		if err := fn(cur, payload); err != nil {
			return err
		}

		cur = farref.New(cur.Segment(), cur.Offset()+RecordHeaderSize+byteSize)
	}
	return nil
}
