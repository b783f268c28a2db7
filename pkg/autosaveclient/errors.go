package autosaveclient

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by restore calls when there is nothing to restore
// at the requested point.
var ErrNotFound = errors.New("autosaveclient: not found")

// RequestError is a structured 4xx/5xx answer from the server.
type RequestError struct {
	Op        string
	Status    int
	Code      string // failure code, e.g. lock-unavailable
	Message   string
	Retryable bool
	// Engine is the engine status reported alongside a failed flush.
	Engine *Status
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s failed: status=%d code=%s retryable=%t: %s",
		e.Op, e.Status, e.Code, e.Retryable, e.Message)
}

type UnexpectedStatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}
