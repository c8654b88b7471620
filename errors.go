package unvme

import (
	"errors"

	"github.com/ehrlich-b/go-unvme/internal/errs"
)

// Error is the structured driver error. Every error returned by this package
// and its queues is an *Error or wraps one.
type Error = errs.Error

// ErrorCode represents high-level error categories
type ErrorCode = errs.Code

// StatusError is a non-zero completion status reported by the controller
type StatusError = errs.StatusError

const (
	ErrCodeFatalInit            = errs.ErrCodeFatalInit
	ErrCodeQueueFull            = errs.ErrCodeQueueFull
	ErrCodeLostCommand          = errs.ErrCodeLostCommand
	ErrCodeDeviceStatus         = errs.ErrCodeDeviceStatus
	ErrCodeBatchMiss            = errs.ErrCodeBatchMiss
	ErrCodeInvalidParameters    = errs.ErrCodeInvalidParameters
	ErrCodeTimeout              = errs.ErrCodeTimeout
	ErrCodeClosed               = errs.ErrCodeClosed
	ErrCodeConfirmationRequired = errs.ErrCodeConfirmationRequired
	ErrCodeIOError              = errs.ErrCodeIOError
)

// Sentinels for errors.Is; any *Error with the same code matches
var (
	ErrFatalInit            = errs.ErrFatalInit
	ErrQueueFull            = errs.ErrQueueFull
	ErrLostCommand          = errs.ErrLostCommand
	ErrDeviceStatus         = errs.ErrDeviceStatus
	ErrBatchMiss            = errs.ErrBatchMiss
	ErrInvalidParameters    = errs.ErrInvalidParameters
	ErrTimeout              = errs.ErrTimeout
	ErrClosed               = errs.ErrClosed
	ErrConfirmationRequired = errs.ErrConfirmationRequired
)

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	return errs.IsCode(err, code)
}

// DeviceStatus returns the controller status carried by err, if any
func DeviceStatus(err error) (*StatusError, bool) {
	var st *StatusError
	if errors.As(err, &st) {
		return st, true
	}
	return nil, false
}
