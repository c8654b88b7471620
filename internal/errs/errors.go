// Package errs defines the structured error type shared by every unvme package.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Code represents high-level error categories
type Code string

const (
	ErrCodeFatalInit            Code = "controller initialization failed"
	ErrCodeQueueFull            Code = "queue full"
	ErrCodeLostCommand          Code = "lost command"
	ErrCodeDeviceStatus         Code = "device reported error status"
	ErrCodeBatchMiss            Code = "batch correlation miss"
	ErrCodeInvalidParameters    Code = "invalid parameters"
	ErrCodeTimeout              Code = "timeout"
	ErrCodeClosed               Code = "queue closed"
	ErrCodeConfirmationRequired Code = "destructive command requires confirmation"
	ErrCodeIOError              Code = "I/O error"
)

// Error is a structured driver error carrying the failing operation and,
// where known, the queue and command id involved.
type Error struct {
	Op    string // Operation that failed (e.g., "CREATE_IO_CQ", "READ")
	Queue int    // Queue id (-1 if not applicable)
	CID   uint16 // Command id (0 if not applicable)
	Code  Code   // High-level error category
	Msg   string // Human-readable message
	Inner error  // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("qid=%d", e.Queue))
	}
	if e.CID != 0 {
		parts = append(parts, fmt.Sprintf("cid=%d", e.CID))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Inner != nil && e.Msg == "" {
		msg = fmt.Sprintf("%s: %v", msg, e.Inner)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("unvme: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return "unvme: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches any *Error carrying the same code, which lets the sentinels
// below be used with errors.Is.
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// Sentinels for errors.Is comparisons
var (
	ErrFatalInit            = &Error{Queue: -1, Code: ErrCodeFatalInit}
	ErrQueueFull            = &Error{Queue: -1, Code: ErrCodeQueueFull}
	ErrLostCommand          = &Error{Queue: -1, Code: ErrCodeLostCommand}
	ErrDeviceStatus         = &Error{Queue: -1, Code: ErrCodeDeviceStatus}
	ErrBatchMiss            = &Error{Queue: -1, Code: ErrCodeBatchMiss}
	ErrInvalidParameters    = &Error{Queue: -1, Code: ErrCodeInvalidParameters}
	ErrTimeout              = &Error{Queue: -1, Code: ErrCodeTimeout}
	ErrClosed               = &Error{Queue: -1, Code: ErrCodeClosed}
	ErrConfirmationRequired = &Error{Queue: -1, Code: ErrCodeConfirmationRequired}
)

// New creates a new structured error without queue context
func New(op string, code Code, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, qid uint16, cid uint16, code Code, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: int(qid),
		CID:   cid,
		Code:  code,
		Msg:   msg,
	}
}

// Wrap wraps an existing error with operation context. Structured errors keep
// their code; anything else is classified under code.
func Wrap(op string, code Code, inner error) *Error {
	if inner == nil {
		return nil
	}

	var se *Error
	if errors.As(inner, &se) {
		return &Error{
			Op:    op,
			Queue: se.Queue,
			CID:   se.CID,
			Code:  se.Code,
			Msg:   se.Msg,
			Inner: se.Inner,
		}
	}

	var st *StatusError
	if errors.As(inner, &st) {
		code = ErrCodeDeviceStatus
	}

	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Inner: inner,
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code Code) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// StatusError is the decoded status field of a completion entry that carried
// a non-zero status.
type StatusError struct {
	SCT  uint8 // Status Code Type
	SC   uint8 // Status Code
	CRD  uint8 // Command Retry Delay
	More bool
	DNR  bool // Do Not Retry
}

// Status code types
const (
	SCTGeneric         uint8 = 0x0
	SCTCommandSpecific uint8 = 0x1
	SCTMediaError      uint8 = 0x2
	SCTPath            uint8 = 0x3
	SCTVendor          uint8 = 0x7
)

var genericStatusNames = map[uint8]string{
	0x01: "invalid command opcode",
	0x02: "invalid field in command",
	0x03: "command id conflict",
	0x04: "data transfer error",
	0x05: "aborted due to power loss",
	0x06: "internal error",
	0x07: "abort requested",
	0x08: "aborted due to SQ deletion",
	0x0B: "invalid namespace or format",
	0x80: "LBA out of range",
	0x81: "capacity exceeded",
	0x82: "namespace not ready",
}

var commandSpecificStatusNames = map[uint8]string{
	0x00: "completion queue invalid",
	0x01: "invalid queue identifier",
	0x02: "invalid queue size",
	0x08: "invalid interrupt vector",
	0x0A: "invalid format",
	0x0C: "invalid queue deletion",
}

var mediaStatusNames = map[uint8]string{
	0x80: "write fault",
	0x81: "unrecovered read error",
	0x86: "access denied",
}

// Name returns a short description of the status, if one is known
func (e *StatusError) Name() string {
	var names map[uint8]string
	switch e.SCT {
	case SCTGeneric:
		names = genericStatusNames
	case SCTCommandSpecific:
		names = commandSpecificStatusNames
	case SCTMediaError:
		names = mediaStatusNames
	}
	if n, ok := names[e.SC]; ok {
		return n
	}
	return "unknown status"
}

func (e *StatusError) Error() string {
	s := fmt.Sprintf("nvme status sct=%#x sc=%#02x (%s)", e.SCT, e.SC, e.Name())
	if e.DNR {
		s += " dnr"
	}
	return s
}

// Retryable reports whether the controller allows the command to be retried
func (e *StatusError) Retryable() bool {
	return !e.DNR
}
