// Package verrors is vtmcore's structured error taxonomy. It generalizes
// the teacher storage engine's hierarchical baseError -> domain-error
// pattern (pkg/errors in iamNilotpal-ignite) from a KV-store vocabulary
// to this engine's: StorageError for fatal storage failures,
// AllocatorError for heap/pool allocator failures, and TxError for MVCC
// transaction failures, including the one transient, retryable case
// (concurrent-lock under Prevent isolation).
package verrors

// baseError carries the fields every domain error embeds: the wrapped
// cause, a human-readable message, a programmatic code, and a lazily
// allocated detail bag for structured logging.
type baseError struct {
	cause   error
	message string
	code    Code
	details map[string]any
}

func newBaseError(err error, code Code, msg string) baseError {
	return baseError{cause: err, code: code, message: msg}
}

func (b *baseError) withDetail(key string, value any) {
	if b.details == nil {
		b.details = make(map[string]any)
	}
	b.details[key] = value
}

// Error implements the error interface.
func (b *baseError) Error() string { return b.message }

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (b *baseError) Unwrap() error { return b.cause }

// Code returns the programmatic error code.
func (b *baseError) Code() Code { return b.code }

// Details returns the structured context attached to this error.
func (b *baseError) Details() map[string]any { return b.details }
