// Package failure is the error taxonomy shared by the autosave pipeline.
//
// Every error that crosses a component boundary (lock, writer, history,
// engine) is an *Error carrying one Code and a Retryable flag. Retryable
// errors stay inside the retry loop; the rest disable the engine or fail
// the single read that produced them.
package failure

import (
	"errors"
	"fmt"
)

// Code categorizes an autosave error.
type Code string

const (
	// Disabled is the inert state of a guarded engine. Not an error condition.
	Disabled Code = "disabled"

	// LockUnavailable means the flush lease could not be obtained or was lost.
	LockUnavailable Code = "lock-unavailable"

	// WriteFailed means a storage write or rename failed.
	WriteFailed Code = "write-failed"

	// DataCorrupted means a persisted index, snapshot or lease record did not parse.
	DataCorrupted Code = "data-corrupted"

	// HistoryOverflow means the ledger caps cannot be met even after evicting
	// every older entry.
	HistoryOverflow Code = "history-overflow"
)

// Retryable reports the default retry policy for the code.
func (c Code) Retryable() bool {
	switch c {
	case LockUnavailable, WriteFailed:
		return true
	default:
		return false
	}
}

// Error is a classified autosave error.
type Error struct {
	Code      Code
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Op)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Error values by code, so errors.Is(err, failure.New(code, ""))
// works as a code test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Op == "" || t.Op == e.Op)
}

// New returns an error with the default retryability of code.
func New(code Code, op string) *Error {
	return &Error{Code: code, Op: op, Retryable: code.Retryable()}
}

// Wrap classifies err under code. A nil err yields nil.
// If err is already an *Error it is returned unchanged.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Code: code, Op: op, Retryable: code.Retryable(), Err: err}
}

// Fatal classifies err under code and forces it non-retryable.
func Fatal(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Retryable: false, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsRetryable reports whether err should be retried by the retry controller.
// Unclassified errors are not retryable.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
