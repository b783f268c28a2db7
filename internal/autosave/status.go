package autosave

import (
	"time"

	"github.com/RNA4219/Conimgponic-sub000/internal/failure"
)

type Phase string

const (
	PhaseDisabled       Phase = "disabled"
	PhaseIdle           Phase = "idle"
	PhaseDebouncing     Phase = "debouncing"
	PhaseAwaitingLock   Phase = "awaiting-lock"
	PhaseWritingCurrent Phase = "writing-current"
	PhaseUpdatingIndex  Phase = "updating-index"
	PhaseGc             Phase = "gc"
	PhaseError          Phase = "error"
)

// ErrorInfo is the caller-facing view of the last engine error.
type ErrorInfo struct {
	Code      failure.Code `json:"code"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
}

func errorInfo(err *failure.Error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Code: err.Code, Message: err.Error(), Retryable: err.Retryable}
}

// StatusSnapshot is a point-in-time copy of the engine state.
type StatusSnapshot struct {
	Phase            Phase      `json:"phase"`
	LastSuccessAt    *time.Time `json:"lastSuccessAt,omitempty"`
	PendingBytes     uint64     `json:"pendingBytes"`
	LastError        *ErrorInfo `json:"lastError,omitempty"`
	RetryCount       uint32     `json:"retryCount"`
	QueuedGeneration *uint32    `json:"queuedGeneration,omitempty"`
}

// Degraded reports a retryable failure that is still being retried.
func (s StatusSnapshot) Degraded() bool {
	return s.Phase == PhaseError && s.LastError != nil && s.LastError.Retryable
}

// Stopped reports a permanent stop caused by a fatal error.
func (s StatusSnapshot) Stopped() bool {
	return s.Phase == PhaseDisabled && s.LastError != nil && !s.LastError.Retryable
}
