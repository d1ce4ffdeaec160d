package verrors

import "fmt"

// StorageError describes a fatal failure in the segment manager: opening,
// reading, writing, or memory-mapping the backing file, or a corrupt
// signature discovered on open. Per spec.md §7 these are fatal to the
// opening caller and not recoverable inside the core.
type StorageError struct {
	baseError
	path    string
	segment uint32
	offset  uint32
	hasSeg  bool
	hasOff  bool
}

// NewStorageError builds a StorageError wrapping cause, tagged with code
// and msg. Use the With* builders to attach path/segment/offset context.
func NewStorageError(cause error, code Code, msg string) *StorageError {
	return &StorageError{baseError: newBaseError(cause, code, msg)}
}

// WithPath attaches the file path involved in the failure.
func (e *StorageError) WithPath(path string) *StorageError {
	e.path = path
	e.withDetail("path", path)
	return e
}

// WithSegment attaches the segment index involved in the failure.
func (e *StorageError) WithSegment(segment uint32) *StorageError {
	e.segment, e.hasSeg = segment, true
	e.withDetail("segment", segment)
	return e
}

// WithOffset attaches the byte offset involved in the failure.
func (e *StorageError) WithOffset(offset uint32) *StorageError {
	e.offset, e.hasOff = offset, true
	e.withDetail("offset", offset)
	return e
}

// WithDetail attaches an arbitrary structured detail.
func (e *StorageError) WithDetail(key string, value any) *StorageError {
	e.withDetail(key, value)
	return e
}

// Path returns the file path involved, if any was attached.
func (e *StorageError) Path() string { return e.path }

// Segment returns the segment index involved and whether one was attached.
func (e *StorageError) Segment() (uint32, bool) { return e.segment, e.hasSeg }

// Offset returns the byte offset involved and whether one was attached.
func (e *StorageError) Offset() (uint32, bool) { return e.offset, e.hasOff }

func (e *StorageError) Error() string {
	if e.path == "" {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.message, e.path)
}
