package segment

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/iamNilotpal/vtmcore/pkg/farref"
	"github.com/iamNilotpal/vtmcore/pkg/verrors"
	"github.com/iamNilotpal/vtmcore/pkg/vlog"
)

// Manager owns the single backing file vtmcore grows segment by segment,
// maps segments on demand through a bounded LRU cache, and resolves far
// addresses into byte chunks for the layers above it (slot allocators,
// the append log, MVCC). Grounded on
// iamNilotpal-ignite/internal/storage/storage.go for the overall
// Create/Open/bootstrap shape, generalized from "one file per segment"
// to "one growing file, N mapped regions" per spec.md §6.
type Manager struct {
	file        *os.File
	path        string
	segmentSize uint32

	count atomic.Uint32 // segments currently present in the file

	growMu sync.Mutex // serializes file growth (ftruncate + header write)
	cache  *lruCache

	listenersMu sync.Mutex
	listeners   []Listener

	instanceID string
	metrics    *managerMetrics
	logger     *zap.SugaredLogger
}

// Config bundles the parameters Create and Open need. Registerer and
// Logger may be left nil; sane defaults (prometheus.DefaultRegisterer,
// a no-op logger) are substituted.
type Config struct {
	Path          string
	SegmentSize   uint32
	CacheCapacity int
	Registerer    prometheus.Registerer
	Logger        *zap.SugaredLogger
}

func (c Config) withDefaults() Config {
	if c.Registerer == nil {
		c.Registerer = prometheus.DefaultRegisterer
	}
	if c.Logger == nil {
		c.Logger = vlog.Nop()
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = 64
	}
	return c
}

// Create initializes a brand new backing file at cfg.Path: rounds
// cfg.SegmentSize up to the OS page size, writes segment 0's header and
// truncates the file to exactly one segment. Fails if the path already
// exists.
func Create(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if page := uint32(os.Getpagesize()); cfg.SegmentSize%page != 0 {
		cfg.SegmentSize += page - cfg.SegmentSize%page
	}

	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, verrors.NewStorageError(err, verrors.CodeFileOpen, "create backing file").WithPath(cfg.Path)
	}

	if err := f.Truncate(int64(cfg.SegmentSize)); err != nil {
		f.Close()
		os.Remove(cfg.Path)
		return nil, verrors.NewStorageError(err, verrors.CodeWriteFile, "truncate initial segment").WithPath(cfg.Path)
	}

	m := newManager(f, cfg)
	m.count.Store(1)

	hdr := Header{Signature: Signature, SegmentSize: cfg.SegmentSize}
	buf := make([]byte, HeaderSize)
	hdr.Encode(buf)
	if _, err := f.WriteAt(buf, 0); err != nil {
		f.Close()
		os.Remove(cfg.Path)
		return nil, verrors.NewStorageError(err, verrors.CodeWriteFile, "write segment header").WithPath(cfg.Path)
	}

	m.notifyAllocated(0)
	return m, nil
}

// Open maps an existing backing file, validating its header signature.
func Open(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()

	f, err := os.OpenFile(cfg.Path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, verrors.NewStorageError(err, verrors.CodeFileOpen, "open backing file").WithPath(cfg.Path)
	}

	hdrBuf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, verrors.NewStorageError(err, verrors.CodeReadFile, "read segment header").WithPath(cfg.Path)
	}
	hdr := DecodeHeader(hdrBuf)
	if hdr.Signature != Signature {
		f.Close()
		return nil, verrors.NewStorageError(nil, verrors.CodeInvalidSignature, "bad segment header signature").WithPath(cfg.Path)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, verrors.NewStorageError(err, verrors.CodeIO, "stat backing file").WithPath(cfg.Path)
	}

	cfg.SegmentSize = hdr.SegmentSize
	m := newManager(f, cfg)
	m.count.Store(uint32(info.Size() / int64(hdr.SegmentSize)))
	return m, nil
}

func newManager(f *os.File, cfg Config) *Manager {
	instance := newInstanceTag()
	return &Manager{
		file:        f,
		path:        cfg.Path,
		segmentSize: cfg.SegmentSize,
		cache:       newLRUCache(cfg.CacheCapacity),
		instanceID:  instance,
		metrics:     newManagerMetrics(cfg.Registerer, instance),
		logger:      cfg.Logger.With("path", cfg.Path, "instance", instance),
	}
}

// AvailableSegments returns how many segments currently exist in the file.
func (m *Manager) AvailableSegments() uint32 {
	return m.count.Load()
}

// SegmentSize returns the fixed per-segment byte size this manager was
// created or opened with.
func (m *Manager) SegmentSize() uint32 {
	return m.segmentSize
}

// InstanceID returns the uuid tag this manager's metrics and log lines
// are labeled with, so callers layering components on top (the append
// log, in particular) can correlate their own metrics to the same
// instance.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// OnSegmentAllocated registers fn to run, in EnsureSegment's caller
// goroutine, every time a new segment is appended to the file.
func (m *Manager) OnSegmentAllocated(fn Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notifyAllocated(index uint32) {
	m.listenersMu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(index)
	}
}

// EnsureSegment grows the backing file until segment index exists,
// writing its header and firing OnSegmentAllocated listeners for every
// newly created segment along the way.
func (m *Manager) EnsureSegment(index uint32) error {
	if index < m.count.Load() {
		return nil
	}

	m.growMu.Lock()
	defer m.growMu.Unlock()

	for m.count.Load() <= index {
		next := m.count.Load()
		newSize := int64(next+1) * int64(m.segmentSize)
		if err := m.file.Truncate(newSize); err != nil {
			return verrors.NewStorageError(err, verrors.CodeWriteFile, "grow backing file").
				WithPath(m.path).WithSegment(next)
		}

		hdr := Header{Signature: Signature, SegmentSize: m.segmentSize}
		buf := make([]byte, HeaderSize)
		hdr.Encode(buf)
		off := int64(next) * int64(m.segmentSize)
		if _, err := m.file.WriteAt(buf, off); err != nil {
			return verrors.NewStorageError(err, verrors.CodeWriteFile, "write segment header").
				WithPath(m.path).WithSegment(next)
		}

		m.count.Store(next + 1)
		m.metrics.segmentsAllocated.Inc()
		m.logger.Debugw("segment allocated", "segment", next)
		m.notifyAllocated(next)
	}
	return nil
}

func (m *Manager) mapSegment(index uint32) (*Segment, error) {
	off := int64(index) * int64(m.segmentSize)
	data, err := unix.Mmap(int(m.file.Fd()), off, int(m.segmentSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, verrors.NewStorageError(err, verrors.CodeMemoryMapping, "mmap segment").
			WithPath(m.path).WithSegment(index)
	}
	return &Segment{Index: index, Data: data}, nil
}

// segmentFor returns the mapped Segment for index, serving it from cache
// when possible and mmap'ing (then caching) on a miss.
func (m *Manager) segmentFor(index uint32) (*Segment, error) {
	if seg, ok := m.cache.get(index); ok {
		m.metrics.cacheHits.Inc()
		return seg, nil
	}
	m.metrics.cacheMisses.Inc()

	if err := m.EnsureSegment(index); err != nil {
		return nil, err
	}

	seg, err := m.mapSegment(index)
	if err != nil {
		return nil, err
	}

	if evicted := m.cache.put(seg); evicted != nil {
		if err := munmapSegment(evicted); err != nil {
			m.logger.Warnw("munmap evicted segment failed", "segment", evicted.Index, "error", err)
		} else {
			m.metrics.bytesMapped.Sub(float64(len(evicted.Data)))
		}
	}
	m.metrics.bytesMapped.Add(float64(len(seg.Data)))
	return seg, nil
}

func (m *Manager) block(addr farref.Addr, length uint32, writable bool) (Chunk, error) {
	seg, err := m.segmentFor(addr.Segment())
	if err != nil {
		return Chunk{}, err
	}

	start := addr.Offset()
	end := uint64(start) + uint64(length)
	if end > uint64(m.segmentSize) {
		return Chunk{}, verrors.NewStorageError(nil, verrors.CodeInvalidBlock, "block crosses segment boundary").
			WithPath(m.path).WithSegment(addr.Segment()).WithOffset(start)
	}

	return Chunk{Addr: addr, Data: seg.Data[start:end:end], Writable: writable}, nil
}

// Prefetch ensures segment index exists and is mapped into the cache,
// without returning any bytes. internal/walog uses this to pre-map the
// next segment in the background before a writer actually needs it.
func (m *Manager) Prefetch(index uint32) error {
	_, err := m.segmentFor(index)
	return err
}

// ReadonlyBlock returns a read-only view of length bytes starting at addr.
// The returned Chunk's Data slice is backed directly by the mapped
// segment; callers must not retain it past the next Close/evict cycle.
func (m *Manager) ReadonlyBlock(addr farref.Addr, length uint32) (Chunk, error) {
	return m.block(addr, length, false)
}

// WritableBlock returns a writable view of length bytes starting at addr,
// growing the backing file first if addr's segment doesn't exist yet.
func (m *Manager) WritableBlock(addr farref.Addr, length uint32) (Chunk, error) {
	return m.block(addr, length, true)
}

// RawBytes returns the raw mapped byte slice for [addr, addr+length),
// without wrapping it in a Chunk. internal/mvcc uses this directly for
// commit-time copies, where the Chunk's Writable flag carries no meaning.
func (m *Manager) RawBytes(addr farref.Addr, length uint32) ([]byte, error) {
	c, err := m.block(addr, length, true)
	if err != nil {
		return nil, err
	}
	return c.Data, nil
}

// Flush msyncs every currently cached segment, making writes durable.
func (m *Manager) Flush() error {
	for _, seg := range m.cache.all() {
		if err := unix.Msync(seg.Data, unix.MS_SYNC); err != nil {
			return verrors.NewStorageError(err, verrors.CodeIO, "msync segment").
				WithPath(m.path).WithSegment(seg.Index)
		}
	}
	m.metrics.flushes.Inc()
	return nil
}

// Close flushes, unmaps every cached segment, and closes the backing
// file. The Manager must not be used afterward.
func (m *Manager) Close() error {
	if err := m.Flush(); err != nil {
		return err
	}
	for _, seg := range m.cache.drain() {
		if err := munmapSegment(seg); err != nil {
			return verrors.NewStorageError(err, verrors.CodeMemoryMapping, "munmap segment on close").
				WithPath(m.path).WithSegment(seg.Index)
		}
	}
	if err := m.file.Close(); err != nil {
		return verrors.NewStorageError(err, verrors.CodeIO, "close backing file").WithPath(m.path)
	}
	return nil
}
