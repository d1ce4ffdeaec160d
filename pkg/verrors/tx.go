package verrors

import (
	"fmt"

	"github.com/iamNilotpal/vtmcore/pkg/farref"
)

// TxError describes a failure in the MVCC transaction layer: two lock
// requests on overlapping non-identical ranges (CodeOverlappingBlock),
// operating on a sealed transaction (CodeGhostState), or the one
// transient case, a conflicting request under Prevent isolation
// (CodeConcurrentLock). Only the last is retryable.
type TxError struct {
	baseError
	requestedRange farref.Range
	requestingTid  uint64
	lockedRange    farref.Range
	lockingTid     uint64
	retryable      bool
}

// NewTxError builds a TxError wrapping cause, tagged with code and msg.
func NewTxError(cause error, code Code, msg string) *TxError {
	return &TxError{baseError: newBaseError(cause, code, msg)}
}

// NewConcurrentLockError builds the transient conflict value spec.md §4.6
// describes: a requester that collided with another transaction's live
// block under Prevent isolation. Carries exactly the four fields spec.md
// §4.6/§8 names: requested_range, requesting_tid, locked_range, locking_tid.
func NewConcurrentLockError(requestedRange farref.Range, requestingTid uint64, lockedRange farref.Range, lockingTid uint64) *TxError {
	e := &TxError{
		baseError:      newBaseError(nil, CodeConcurrentLock, "range is locked by another transaction"),
		requestedRange: requestedRange,
		requestingTid:  requestingTid,
		lockedRange:    lockedRange,
		lockingTid:     lockingTid,
		retryable:      true,
	}
	e.withDetail("requestedRange", requestedRange)
	e.withDetail("requestingTid", requestingTid)
	e.withDetail("lockedRange", lockedRange)
	e.withDetail("lockingTid", lockingTid)
	return e
}

// WithDetail attaches an arbitrary structured detail.
func (e *TxError) WithDetail(key string, value any) *TxError {
	e.withDetail(key, value)
	return e
}

// Retryable reports whether the caller may retry the whole transaction.
// Per spec.md §7 this is true only for CodeConcurrentLock; every other
// TxError is a fatal programmer error.
func (e *TxError) Retryable() bool { return e.retryable }

// RequestedRange returns the range the caller tried to lock.
func (e *TxError) RequestedRange() farref.Range { return e.requestedRange }

// RequestingTid returns the id of the transaction that was refused.
func (e *TxError) RequestingTid() uint64 { return e.requestingTid }

// LockedRange returns the range already held by another transaction.
func (e *TxError) LockedRange() farref.Range { return e.lockedRange }

// LockingTid returns the id of the transaction holding the conflicting range.
func (e *TxError) LockingTid() uint64 { return e.lockingTid }

func (e *TxError) Error() string {
	if e.code != CodeConcurrentLock {
		return e.message
	}
	return fmt.Sprintf(
		"%s: tx %d wants %s, held by tx %d as %s",
		e.message, e.requestingTid, e.requestedRange.Addr, e.lockingTid, e.lockedRange.Addr,
	)
}
