// Package lock arbitrates which autosave instance may flush.
//
// A Manager first asks a native Adapter (an OS file lock or the SQLite
// lease table) and falls back to a lease record kept in the shared
// storage. The fallback is last-write-wins with read-back verification:
// it detects most collisions but compares only lease id and wall-clock
// expiry, so instances with skewed clocks can misjudge a stale lease as
// fresh.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnsupported is returned by an Adapter whose primitive is absent.
	ErrUnsupported = errors.New("lock: native primitive unsupported")
	// ErrHeld means another owner holds a live lease. Retryable.
	ErrHeld = errors.New("lock: held by another owner")
	// ErrLeaseLost means a held lease was taken over or vanished. Fatal.
	ErrLeaseLost = errors.New("lock: lease lost")
	// ErrReadOnly is reported while the manager is downgraded.
	ErrReadOnly = errors.New("lock: read-only")
)

type Strategy string

const (
	StrategyNative   Strategy = "native"
	StrategyFallback Strategy = "fallback"
)

// Mode restricts which strategies Acquire may use.
type Mode string

const (
	ModeAuto         Mode = "auto"
	ModeNativeOnly   Mode = "native"
	ModeFallbackOnly Mode = "fallback"
)

// Lease is a time-bounded grant of the exclusive right to flush.
type Lease struct {
	LeaseID         string
	OwnerID         string
	Strategy        Strategy
	Resource        string
	AcquiredAt      time.Time
	ExpiresAt       time.Time
	TTL             time.Duration
	NextHeartbeatAt time.Time
	RenewAttempt    uint32
	// FencingToken increases with every grant on the native sqlite path and
	// with every record rewrite on the fallback path.
	FencingToken int64
}

// Request is a native lock request.
type Request struct {
	Resource string
	OwnerID  string
	TTL      time.Duration
}

// Adapter is a native exclusive-lock primitive.
type Adapter interface {
	Name() string
	// Request takes the lock without waiting on other holders: ErrHeld if
	// someone else has it, ErrUnsupported if the primitive is unavailable.
	Request(ctx context.Context, req Request) (Handle, error)
}

// Handle is a granted native lock.
type Handle interface {
	LeaseID() string
	FencingToken() int64
	ExpiresAt() time.Time
	// Renew extends the grant by ttl. ErrLeaseLost if it is no longer ours.
	Renew(ctx context.Context, ttl time.Duration) (time.Time, error)
	Release(ctx context.Context) error
}

// Unsupported is the Adapter for hosts without a native primitive.
type Unsupported struct{}

func (Unsupported) Name() string { return "unsupported" }

func (Unsupported) Request(context.Context, Request) (Handle, error) { return nil, ErrUnsupported }

// Event types emitted on the lock stream.
const (
	EventAttempt          = "attempt"
	EventWaiting          = "waiting"
	EventAcquired         = "acquired"
	EventRenewScheduled   = "renew-scheduled"
	EventRenewed          = "renewed"
	EventWarning          = "warning"
	EventFallbackEngaged  = "fallback-engaged"
	EventReleaseRequested = "release-requested"
	EventReleased         = "released"
	EventError            = "error"
	EventReadOnlyEntered  = "readonly-entered"
)

// Read-only reasons.
const (
	ReasonRetriesExhausted = "retries-exhausted"
	ReasonFatal            = "fatal-error"
	ReasonLeaseLost        = "lease-lost"
)
