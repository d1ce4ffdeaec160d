package walog

import (
	"encoding/binary"
	"unsafe"

	"github.com/iamNilotpal/vtmcore/pkg/farref"
	"github.com/iamNilotpal/vtmcore/pkg/verrors"
)

// nextRecordStart computes where a record of byteSize total bytes would
// need to start given the log's current cursor: at the cursor if the
// whole record fits before segmentSize, else at offset 0 of the next
// segment. No padding marker is written for the skip; ForEach moves to
// the next segment when a record header does not fit or when the bytes
// at its cursor carry no record signature and the end lies further on.
func nextRecordStart(cur farref.Addr, total, segmentSize uint32) farref.Addr {
	if uint64(cur.Offset())+uint64(total) > uint64(segmentSize) {
		return farref.New(cur.Segment()+1, 0)
	}
	return cur
}

// Allocate reserves a record of nBytes payload, returning the record's
// far address (its header, not its payload) and a writable slice over
// the payload region. It grows the backing file across a segment
// boundary as needed and may submit a background prefetch of the
// following segment once the current one is mostly full.
func (l *Log) Allocate(nBytes uint32) (farref.Addr, []byte, error) {
	aligned := farref.AlignUp(nBytes, l.align)
	total := RecordHeaderSize + aligned

	l.headerMu.Lock()
	defer l.headerMu.Unlock()

	h, buf, err := l.readHeader()
	if err != nil {
		return farref.Nil, nil, err
	}
	if total > h.segmentSize {
		return farref.Nil, nil, verrors.NewStorageError(nil, verrors.CodeInvalidBlock, "record larger than one segment").
			WithDetail("requestedBytes", nBytes)
	}

	recAddr := nextRecordStart(h.endRecord, total, h.segmentSize)
	if err := l.mgr.EnsureSegment(recAddr.Segment()); err != nil {
		return farref.Nil, nil, err
	}

	recBuf, err := l.mgr.RawBytes(recAddr, RecordHeaderSize)
	if err != nil {
		return farref.Nil, nil, err
	}
	binary.LittleEndian.PutUint32(recBuf[0:4], recordSignature)
	binary.LittleEndian.PutUint32(recBuf[4:8], aligned)

	payloadAddr := farref.New(recAddr.Segment(), recAddr.Offset()+RecordHeaderSize)
	payload, err := l.mgr.RawBytes(payloadAddr, aligned)
	if err != nil {
		return farref.Nil, nil, err
	}

	newEnd := farref.New(recAddr.Segment(), recAddr.Offset()+total)
	h.lastRecord = recAddr
	h.endRecord = newEnd
	if h.segmentCount <= newEnd.Segment() {
		h.segmentCount = newEnd.Segment() + 1
	}
	h.encode(buf)

	l.metrics.recordsAppended.Inc()
	l.metrics.bytesAppended.Add(float64(aligned))

	l.maybePrefetch(newEnd, h.segmentSize)
	return recAddr, payload[:nBytes:aligned], nil
}

// maybePrefetch submits a background pre-map of the next segment once
// the current one has crossed prefetchThreshold occupancy, deduplicating
// concurrent submissions for the same segment index.
func (l *Log) maybePrefetch(cursor farref.Addr, segmentSize uint32) {
	if l.pool == nil {
		return
	}
	if float64(cursor.Offset()) < float64(segmentSize)*prefetchThreshold {
		return
	}
	next := cursor.Segment() + 1

	l.pendingMu.Lock()
	if l.pendingPrefetch.Has(next) {
		l.pendingMu.Unlock()
		return
	}
	l.pendingPrefetch = l.pendingPrefetch.Set(next, struct{}{})
	l.pendingMu.Unlock()

	submitted := l.pool.TrySubmit(func() {
		if err := l.mgr.Prefetch(next); err != nil {
			l.logger.Warnw("segment prefetch failed", "segment", next, "error", err)
		}
		l.pendingMu.Lock()
		l.pendingPrefetch = l.pendingPrefetch.Delete(next)
		l.pendingMu.Unlock()
	})

	if submitted {
		l.metrics.prefetches.Inc()
	} else {
		l.metrics.prefetchSkipped.Inc()
		l.pendingMu.Lock()
		l.pendingPrefetch = l.pendingPrefetch.Delete(next)
		l.pendingMu.Unlock()
	}
}

// At returns a typed pointer over the payload bytes at addr, the
// unsafe-cast placement-dereference spec.md's at<T> calls for. Callers
// are responsible for addr actually having been produced by Construct[T]
// with the same T; there is no runtime tag to check against.
func At[T any](l *Log, addr farref.Addr) (*T, error) {
	var zero T
	size := uint32(unsafe.Sizeof(zero))
	buf, err := l.mgr.RawBytes(addr, size)
	if err != nil {
		return nil, err
	}
	return (*T)(unsafe.Pointer(&buf[0])), nil
}

// Construct allocates room for one T and placement-constructs it via
// init, returning the record's far address (its header address, the
// same convention Allocate uses) and a typed pointer into the mapped
// payload.
func Construct[T any](l *Log, init func(*T)) (farref.Addr, *T, error) {
	var zero T
	size := uint32(unsafe.Sizeof(zero))

	recAddr, payload, err := l.Allocate(size)
	if err != nil {
		return farref.Nil, nil, err
	}
	val := (*T)(unsafe.Pointer(&payload[0]))
	if init != nil {
		init(val)
	}
	return recAddr, val, nil
}
