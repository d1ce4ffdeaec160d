package verrors

import stdErrors "errors"

// IsStorageError reports whether err is, or wraps, a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return stdErrors.As(err, &se)
}

// IsAllocatorError reports whether err is, or wraps, an *AllocatorError.
func IsAllocatorError(err error) bool {
	var ae *AllocatorError
	return stdErrors.As(err, &ae)
}

// IsTxError reports whether err is, or wraps, a *TxError.
func IsTxError(err error) bool {
	var te *TxError
	return stdErrors.As(err, &te)
}

// AsStorageError extracts a *StorageError from err's chain.
func AsStorageError(err error) (*StorageError, bool) {
	var se *StorageError
	if stdErrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// AsAllocatorError extracts an *AllocatorError from err's chain.
func AsAllocatorError(err error) (*AllocatorError, bool) {
	var ae *AllocatorError
	if stdErrors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// AsTxError extracts a *TxError from err's chain.
func AsTxError(err error) (*TxError, bool) {
	var te *TxError
	if stdErrors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsRetryable reports whether err is a TxError the caller may retry the
// whole transaction for (spec.md §7: transient errors propagate to the
// caller verbatim).
func IsRetryable(err error) bool {
	te, ok := AsTxError(err)
	return ok && te.Retryable()
}

// GetErrorCode extracts the programmatic error code from any vtmcore
// error type, or CodeInternal for errors that don't carry one.
func GetErrorCode(err error) Code {
	if se, ok := AsStorageError(err); ok {
		return se.Code()
	}
	if ae, ok := AsAllocatorError(err); ok {
		return ae.Code()
	}
	if te, ok := AsTxError(err); ok {
		return te.Code()
	}
	return CodeInternal
}

// GetErrorDetails extracts the structured detail map from any vtmcore
// error type, or an empty map for errors without one.
func GetErrorDetails(err error) map[string]any {
	if se, ok := AsStorageError(err); ok {
		if d := se.Details(); d != nil {
			return d
		}
	}
	if ae, ok := AsAllocatorError(err); ok {
		if d := ae.Details(); d != nil {
			return d
		}
	}
	if te, ok := AsTxError(err); ok {
		if d := te.Details(); d != nil {
			return d
		}
	}
	return make(map[string]any)
}
