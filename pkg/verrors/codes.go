package verrors

// Code is a standardized way to categorize vtmcore errors programmatically,
// independent of the (possibly localized, possibly reworded) error message.
type Code string

// Base codes cover failure categories common to every layer.
const (
	CodeIO       Code = "IO_ERROR"
	CodeInternal Code = "INTERNAL_ERROR"
)

// Storage codes cover the segment manager's fatal failure modes (spec.md §7).
const (
	CodeFileOpen         Code = "FILE_OPEN"
	CodeReadFile         Code = "READ_FILE"
	CodeWriteFile        Code = "WRITE_FILE"
	CodeMemoryMapping    Code = "MEMORY_MAPPING"
	CodeInvalidSignature Code = "INVALID_SIGNATURE"
)

// Allocator codes cover the heap/pool allocators' fatal and capacity
// failure modes.
const (
	CodeInvalidBlock Code = "INVALID_BLOCK"
	CodeNoMemory     Code = "NO_MEMORY"
)

// Transaction codes cover the MVCC layer's fatal-programmer-error and
// transient failure modes.
const (
	CodeOverlappingBlock Code = "OVERLAPPING_BLOCK"
	CodeGhostState       Code = "GHOST_STATE"
	CodeConcurrentLock   Code = "CONCURRENT_LOCK"
)
