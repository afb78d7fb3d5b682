package errors

import (
	"context"
	stderrors "errors"
)

// As is errors.As re-exported so callers need a single import.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Is is errors.Is re-exported.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// GetAppError 获取AppError，如果不是则包装为系统错误
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return newError(ErrCodeTimeout, ErrorTypeSystem, true, "stage timed out").WithCause(err)
	}
	return NewInternalError("internal error", err)
}

// Classify returns the taxonomy code of err. Unknown errors are internal.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return GetAppError(err).Code
}

// IsRetryable reports whether err should be retried by the pipeline.
// Deadline overruns are retryable; caller cancellation is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Retryable
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// unclassified failures come from store drivers and network calls
	return true
}

// IsPermanent reports whether err marks the input itself as unusable.
func IsPermanent(err error) bool {
	switch Classify(err) {
	case ErrCodePermanentFormat, ErrCodeUnsupportedFormat, ErrCodeConfiguration:
		return true
	}
	return false
}
