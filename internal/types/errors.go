// internal/types/errors.go
package types

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind is the closed taxonomy of §4.1. Every kernel-facing failure path
// returns one of these instead of panicking; see Error.
type ErrorKind uint8

const (
	KindNotFound ErrorKind = iota
	KindWrongType
	KindInvalidKey
	KindInvalidPath
	KindInvalidInput
	KindVersionConflict
	KindTransitionFailed
	KindConstraintViolation
	KindDimensionMismatch
	KindOverflow
	KindHistoryTrimmed
	KindTxAlreadyActive
	KindTxNotActive
	KindIO
	KindSerialization
	KindInternal
	KindCommitTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindWrongType:
		return "WrongType"
	case KindInvalidKey:
		return "InvalidKey"
	case KindInvalidPath:
		return "InvalidPath"
	case KindInvalidInput:
		return "InvalidInput"
	case KindVersionConflict:
		return "VersionConflict"
	case KindTransitionFailed:
		return "TransitionFailed"
	case KindConstraintViolation:
		return "ConstraintViolation"
	case KindDimensionMismatch:
		return "DimensionMismatch"
	case KindOverflow:
		return "Overflow"
	case KindHistoryTrimmed:
		return "HistoryTrimmed"
	case KindTxAlreadyActive:
		return "TxAlreadyActive"
	case KindTxNotActive:
		return "TxNotActive"
	case KindIO:
		return "IO"
	case KindSerialization:
		return "Serialization"
	case KindInternal:
		return "Internal"
	case KindCommitTimeout:
		return "CommitTimeout"
	default:
		return "Unknown"
	}
}

// Error is the single error value type for the whole kernel. Every variant
// carries enough structured detail for programmatic handling; nothing in
// the kernel panics on a recoverable condition.
type Error struct {
	Kind ErrorKind
	Msg  string

	// VersionConflict / TransitionFailed detail.
	Expected *Version
	Actual   *Version

	// DimensionMismatch detail.
	ExpectedDim int
	ActualDim   int

	cause error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is allows errors.Is(err, types.New(types.KindNotFound, "")) style
// comparisons against a bare-Kind sentinel built with just New: two *Error
// values match when their Kinds are equal.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New builds a kind-only error with a message.
func New(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a kind-only error with a formatted message.
func Newf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// VersionConflictErr reports a read-set validation failure at commit time.
func VersionConflictErr(key string, expected, actual Version) *Error {
	return &Error{
		Kind:     KindVersionConflict,
		Msg:      fmt.Sprintf("key %q: expected version %v, observed %v", key, expected, actual),
		Expected: &expected,
		Actual:   &actual,
	}
}

// TransitionFailedErr reports a CAS expected-version mismatch.
func TransitionFailedErr(key string, expected, actual Version) *Error {
	return &Error{
		Kind:     KindTransitionFailed,
		Msg:      fmt.Sprintf("key %q: CAS expected %v, found %v", key, expected, actual),
		Expected: &expected,
		Actual:   &actual,
	}
}

// DimensionMismatchErr reports a vector-dimension validation failure.
func DimensionMismatchErr(expected, actual int) *Error {
	return &Error{
		Kind:        KindDimensionMismatch,
		Msg:         fmt.Sprintf("expected dimension %d, got %d", expected, actual),
		ExpectedDim: expected,
		ActualDim:   actual,
	}
}

// Internal wraps an unexpected fault (an assertion violation, a panic
// recovered at a handler boundary) with a stack trace via pkg/errors, while
// keeping the same closed Error shape for callers that switch on Kind.
func Internal(cause error, msg string) *Error {
	return &Error{
		Kind:  KindInternal,
		Msg:   msg,
		cause: errors.WithStack(cause),
	}
}

// IO wraps a filesystem error, keeping the distinction between "not found"
// (expected during first boot / absence checks) and other I/O failures
// (unexpected, always an abort) that the recovery coordinator must make.
func IO(cause error, msg string) *Error {
	return &Error{Kind: KindIO, Msg: msg, cause: errors.WithStack(cause)}
}

// Serialization wraps a decode failure. Decoders never substitute a
// default value for data that failed to parse; this error always
// propagates.
func Serialization(cause error, msg string) *Error {
	return &Error{Kind: KindSerialization, Msg: msg, cause: errors.WithStack(cause)}
}

// Sentinel convenience constructors for the common no-detail cases.
func NotFound(msg string) *Error             { return New(KindNotFound, msg) }
func WrongType(msg string) *Error            { return New(KindWrongType, msg) }
func InvalidKey(msg string) *Error           { return New(KindInvalidKey, msg) }
func InvalidPath(msg string) *Error          { return New(KindInvalidPath, msg) }
func InvalidInput(msg string) *Error         { return New(KindInvalidInput, msg) }
func ConstraintViolation(msg string) *Error  { return New(KindConstraintViolation, msg) }
func Overflow(msg string) *Error             { return New(KindOverflow, msg) }
func HistoryTrimmed(msg string) *Error       { return New(KindHistoryTrimmed, msg) }
func TxAlreadyActive(msg string) *Error      { return New(KindTxAlreadyActive, msg) }
func TxNotActive(msg string) *Error          { return New(KindTxNotActive, msg) }
func CommitTimeout(msg string) *Error        { return New(KindCommitTimeout, msg) }
