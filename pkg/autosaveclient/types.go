package autosaveclient

import "time"

// Status mirrors GET /v1/status.
type Status struct {
	Phase            string     `json:"phase"`
	LastSuccessAt    *time.Time `json:"lastSuccessAt,omitempty"`
	PendingBytes     uint64     `json:"pendingBytes"`
	LastError        *LastError `json:"lastError,omitempty"`
	RetryCount       uint32     `json:"retryCount"`
	QueuedGeneration *uint32    `json:"queuedGeneration,omitempty"`
	Degraded         bool       `json:"degraded"`
	Stopped          bool       `json:"stopped"`
}

type LastError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Idle reports whether nothing is pending or running.
func (s Status) Idle() bool { return s.Phase == "idle" }

func (s Status) Disabled() bool { return s.Phase == "disabled" }

// HistoryEntry is one ledger row.
type HistoryEntry struct {
	Generation uint32    `json:"generation"`
	Timestamp  time.Time `json:"timestamp"`
	File       string    `json:"file"`
	Bytes      uint64    `json:"bytes"`
	RawBytes   uint64    `json:"rawBytes"`
	Codec      string    `json:"codec"`
	Location   string    `json:"location"`
	Retained   bool      `json:"retained"`
}

type RestorePrompt struct {
	HasCurrent   bool          `json:"hasCurrent"`
	CurrentBytes int           `json:"currentBytes,omitempty"`
	Latest       *HistoryEntry `json:"latest,omitempty"`
}

// FlushOptions bounds FlushWithRetry.
type FlushOptions struct {
	MaxRetries   int           // 0 => default 5
	MaxTotalWait time.Duration // optional global cap; 0 => no cap
	MinRetry     time.Duration // default 500ms
	MaxRetry     time.Duration // default 4s
	JitterFrac   float64       // default 0.2 (20%); negative disables
}

// PollOptions controls WaitIdle and the status poller.
type PollOptions struct {
	Interval time.Duration // default 100ms
}
