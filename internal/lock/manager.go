package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/RNA4219/Conimgponic-sub000/internal/failure"
	"github.com/RNA4219/Conimgponic-sub000/internal/obs"
	"github.com/RNA4219/Conimgponic-sub000/internal/retry"
	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
	"github.com/RNA4219/Conimgponic-sub000/internal/writer"
)

type Options struct {
	Resource string
	// OwnerID identifies this instance; generated when empty.
	OwnerID string
	TTL     time.Duration
	Mode    Mode
	Native  Adapter
	// NativeTimeout bounds a single native request before falling back.
	NativeTimeout time.Duration

	Store  storage.Adapter
	Layout storage.Layout

	Retry retry.Policy
	// Heartbeat renews a held lease at half its TTL until release.
	Heartbeat bool

	Now    func() time.Time
	Sleep  retry.SleepFunc
	Sink   obs.Sink
	Logger *obs.Logger
}

type held struct {
	lease  Lease
	handle Handle
	lost   error
	timer  *time.Timer
}

// Manager owns at most one lease at a time.
type Manager struct {
	opts     Options
	fallback *fallback

	mu             sync.Mutex
	cur            *held
	readOnly       string
	nativeDisabled bool
}

func NewManager(opts Options) *Manager {
	if opts.Resource == "" {
		opts.Resource = "autosave"
	}
	if opts.OwnerID == "" {
		opts.OwnerID = newOwnerID()
	}
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Second
	}
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.NativeTimeout <= 0 {
		opts.NativeTimeout = 2 * time.Second
	}
	if opts.Layout.Root == "" {
		opts.Layout = storage.DefaultLayout()
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.LockPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Wait
	}
	m := &Manager{opts: opts}
	if opts.Store != nil {
		m.fallback = &fallback{
			store:  opts.Store,
			writer: writer.New(opts.Store, opts.Layout, opts.Logger),
			path:   opts.Layout.Lease(),
			now:    opts.Now,
		}
	}
	return m
}

func newOwnerID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func (m *Manager) OwnerID() string { return m.opts.OwnerID }

func (m *Manager) emit(typ string, sev obs.Severity, fields map[string]interface{}) {
	if m.opts.Sink == nil {
		return
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["resource"] = m.opts.Resource
	fields["owner"] = m.opts.OwnerID
	m.opts.Sink.Emit(obs.Event{
		Time:     m.opts.Now(),
		Source:   "lock",
		Type:     typ,
		Severity: sev,
		Fields:   fields,
	})
}

// ReadOnly reports whether the manager is downgraded and why.
func (m *Manager) ReadOnly() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readOnly != "", m.readOnly
}

func (m *Manager) enterReadOnly(reason string, cause error) {
	m.mu.Lock()
	m.readOnly = reason
	m.mu.Unlock()
	fields := map[string]interface{}{"reason": reason}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	m.emit(EventReadOnlyEntered, obs.SeverityWarn, fields)
}

// retryableLockErr classifies a single acquisition failure.
func retryableLockErr(err error) bool {
	switch {
	case errors.Is(err, ErrHeld):
		return true
	case errors.Is(err, ErrLeaseLost), errors.Is(err, ErrUnsupported):
		return false
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return true
}

// Acquire obtains the lease, retrying per the lock policy. Exhausted
// retries return a retryable lock-unavailable error; a non-retryable
// failure returns a fatal one. Both leave the manager read-only until the
// next successful Acquire.
func (m *Manager) Acquire(ctx context.Context) (Lease, error) {
	if err := m.checkFree(); err != nil {
		return Lease{}, err
	}

	ctrl := retry.NewController(m.opts.Retry)
	for {
		m.emit(EventAttempt, obs.SeverityDebug, map[string]interface{}{"attempt": ctrl.Attempt() + 1})

		lease, err := m.tryOnce(ctx)
		if err == nil {
			m.acquired(lease)
			return lease, nil
		}
		if ctx.Err() != nil {
			return Lease{}, failure.Fatal(failure.LockUnavailable, "acquire", ctx.Err())
		}
		if !retryableLockErr(err) {
			return Lease{}, m.acquireFailed(err)
		}

		delay, ok := ctrl.Next()
		if !ok {
			err = fmt.Errorf("%d attempts: %w", ctrl.Attempt()+1, err)
			m.Downgrade(ReasonRetriesExhausted, err)
			return Lease{}, &failure.Error{Code: failure.LockUnavailable, Op: "acquire", Retryable: true, Err: err}
		}
		m.emit(EventWaiting, obs.SeverityInfo, map[string]interface{}{
			"retry":    ctrl.Attempt(),
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		if err := m.opts.Sleep(ctx, delay); err != nil {
			return Lease{}, failure.Fatal(failure.LockUnavailable, "acquire", err)
		}
	}
}

// TryAcquire makes exactly one acquisition attempt and never waits. A lease
// held elsewhere comes back as a retryable lock-unavailable error and the
// manager stays writable: the caller runs its own retry schedule and calls
// Downgrade when it gives up. A non-retryable failure still downgrades.
func (m *Manager) TryAcquire(ctx context.Context) (Lease, error) {
	if err := m.checkFree(); err != nil {
		return Lease{}, err
	}
	m.emit(EventAttempt, obs.SeverityDebug, nil)

	lease, err := m.tryOnce(ctx)
	switch {
	case err == nil:
		m.acquired(lease)
		return lease, nil
	case ctx.Err() != nil:
		return Lease{}, failure.Fatal(failure.LockUnavailable, "acquire", ctx.Err())
	case !retryableLockErr(err):
		return Lease{}, m.acquireFailed(err)
	}
	return Lease{}, &failure.Error{Code: failure.LockUnavailable, Op: "acquire", Retryable: true, Err: err}
}

// Downgrade reports a retryable acquisition failure the caller has stopped
// retrying and enters read-only mode.
func (m *Manager) Downgrade(reason string, cause error) {
	fields := map[string]interface{}{
		"operation": "acquire",
		"retryable": true,
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	m.emit(EventError, obs.SeverityError, fields)
	m.enterReadOnly(reason, cause)
}

func (m *Manager) checkFree() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		return failure.Fatal(failure.LockUnavailable, "acquire", errors.New("lease already held by this instance"))
	}
	return nil
}

func (m *Manager) acquired(lease Lease) {
	m.mu.Lock()
	m.readOnly = ""
	m.mu.Unlock()
	m.emit(EventAcquired, obs.SeverityInfo, map[string]interface{}{
		"lease_id":   lease.LeaseID,
		"strategy":   string(lease.Strategy),
		"expires_at": lease.ExpiresAt,
		"token":      lease.FencingToken,
	})
	m.scheduleHeartbeat(lease)
}

func (m *Manager) acquireFailed(err error) error {
	m.emit(EventError, obs.SeverityError, map[string]interface{}{
		"operation": "acquire",
		"retryable": false,
		"error":     err.Error(),
	})
	m.enterReadOnly(ReasonFatal, err)
	return failure.Fatal(failure.LockUnavailable, "acquire", err)
}

func (m *Manager) tryOnce(ctx context.Context) (Lease, error) {
	m.mu.Lock()
	useNative := m.opts.Mode != ModeFallbackOnly && m.opts.Native != nil && !m.nativeDisabled
	m.mu.Unlock()

	if useNative {
		lease, err := m.tryNative(ctx)
		if err == nil || errors.Is(err, ErrHeld) || m.opts.Mode == ModeNativeOnly || m.fallback == nil {
			return lease, err
		}
		if ctx.Err() != nil {
			return Lease{}, ctx.Err()
		}
		reason := "native-error"
		switch {
		case errors.Is(err, ErrUnsupported):
			reason = "unsupported"
			m.mu.Lock()
			m.nativeDisabled = true
			m.mu.Unlock()
		case errors.Is(err, context.DeadlineExceeded):
			reason = "timeout"
		default:
			m.emit(EventWarning, obs.SeverityWarn, map[string]interface{}{
				"reason": "degraded",
				"error":  err.Error(),
			})
		}
		m.emit(EventFallbackEngaged, obs.SeverityWarn, map[string]interface{}{
			"reason":  reason,
			"adapter": m.opts.Native.Name(),
		})
	}

	if m.fallback == nil || m.opts.Mode == ModeNativeOnly {
		return Lease{}, ErrUnsupported
	}
	return m.tryFallback(ctx)
}

func (m *Manager) tryNative(ctx context.Context) (Lease, error) {
	nctx, cancel := context.WithTimeout(ctx, m.opts.NativeTimeout)
	defer cancel()

	h, err := m.opts.Native.Request(nctx, Request{
		Resource: m.opts.Resource,
		OwnerID:  m.opts.OwnerID,
		TTL:      m.opts.TTL,
	})
	if err != nil {
		return Lease{}, err
	}
	now := m.opts.Now()
	lease := Lease{
		LeaseID:         h.LeaseID(),
		OwnerID:         m.opts.OwnerID,
		Strategy:        StrategyNative,
		Resource:        m.opts.Resource,
		AcquiredAt:      now,
		ExpiresAt:       h.ExpiresAt(),
		TTL:             m.opts.TTL,
		NextHeartbeatAt: now.Add(m.opts.TTL / 2),
		FencingToken:    h.FencingToken(),
	}
	m.mu.Lock()
	m.cur = &held{lease: lease, handle: h}
	m.mu.Unlock()
	return lease, nil
}

func (m *Manager) tryFallback(ctx context.Context) (Lease, error) {
	rec, err := m.fallback.acquire(ctx, m.opts.Resource, m.opts.OwnerID, m.opts.TTL, func(reason string, cause error) {
		m.emit(EventWarning, obs.SeverityWarn, map[string]interface{}{
			"reason": reason,
			"error":  cause.Error(),
		})
	})
	if err != nil {
		return Lease{}, err
	}
	lease := Lease{
		LeaseID:         rec.LeaseID,
		OwnerID:         rec.OwnerID,
		Strategy:        StrategyFallback,
		Resource:        rec.Resource,
		AcquiredAt:      rec.AcquiredAt,
		ExpiresAt:       rec.ExpiresAt,
		TTL:             m.opts.TTL,
		NextHeartbeatAt: rec.AcquiredAt.Add(m.opts.TTL / 2),
		FencingToken:    rec.Version,
	}
	m.mu.Lock()
	m.cur = &held{lease: lease}
	m.mu.Unlock()
	return lease, nil
}

func (m *Manager) current(lease Lease) (*held, error) {
	if m.cur == nil || m.cur.lease.LeaseID != lease.LeaseID {
		return nil, fmt.Errorf("%w: %s is not the held lease", ErrLeaseLost, lease.LeaseID)
	}
	return m.cur, nil
}

// Check returns a fatal lock-unavailable error if lease is no longer held,
// for example after a failed heartbeat.
func (m *Manager) Check(lease Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.current(lease)
	if err != nil {
		return failure.Fatal(failure.LockUnavailable, "check", err)
	}
	if h.lost != nil {
		return failure.Fatal(failure.LockUnavailable, "check", h.lost)
	}
	return nil
}

// Renew extends lease by its TTL. A missing or foreign lease is fatal and
// marks the lease lost; storage hiccups are retryable.
func (m *Manager) Renew(ctx context.Context, lease Lease) (Lease, error) {
	m.mu.Lock()
	h, err := m.current(lease)
	if err == nil && h.lost != nil {
		err = h.lost
	}
	m.mu.Unlock()
	if err != nil {
		return Lease{}, failure.Fatal(failure.LockUnavailable, "renew", err)
	}

	var (
		expires time.Time
		token   = lease.FencingToken
	)
	if h.handle != nil {
		expires, err = h.handle.Renew(ctx, m.opts.TTL)
	} else {
		var rec *record
		rec, err = m.fallback.renew(ctx, lease.LeaseID, m.opts.TTL)
		if rec != nil {
			expires, token = rec.ExpiresAt, rec.Version
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != h {
		return Lease{}, failure.Fatal(failure.LockUnavailable, "renew", ErrLeaseLost)
	}
	if err != nil {
		if errors.Is(err, ErrLeaseLost) || !retryableLockErr(err) {
			h.lost = err
			m.emitLocked(EventError, obs.SeverityError, map[string]interface{}{
				"operation": "renew",
				"retryable": false,
				"lease_id":  lease.LeaseID,
				"error":     err.Error(),
			})
			m.readOnly = ReasonLeaseLost
			m.emitLocked(EventReadOnlyEntered, obs.SeverityWarn, map[string]interface{}{
				"reason": ReasonLeaseLost,
				"error":  err.Error(),
			})
			return Lease{}, failure.Fatal(failure.LockUnavailable, "renew", err)
		}
		h.lease.RenewAttempt++
		m.emitLocked(EventWarning, obs.SeverityWarn, map[string]interface{}{
			"reason":  "delayed",
			"attempt": h.lease.RenewAttempt,
			"error":   err.Error(),
		})
		return h.lease, failure.Wrap(failure.LockUnavailable, "renew", err)
	}
	now := m.opts.Now()
	h.lease.ExpiresAt = expires
	h.lease.NextHeartbeatAt = now.Add(m.opts.TTL / 2)
	h.lease.RenewAttempt = 0
	h.lease.FencingToken = token
	m.emitLocked(EventRenewed, obs.SeverityDebug, map[string]interface{}{
		"lease_id":   lease.LeaseID,
		"expires_at": expires,
	})
	return h.lease, nil
}

// emitLocked emits while m.mu is held. Sinks must not call back into the
// manager.
func (m *Manager) emitLocked(typ string, sev obs.Severity, fields map[string]interface{}) {
	m.emit(typ, sev, fields)
}

func (m *Manager) scheduleHeartbeat(lease Lease) {
	if !m.opts.Heartbeat {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.current(lease)
	if err != nil {
		return
	}
	m.armLocked(h, m.opts.TTL/2)
}

func (m *Manager) armLocked(h *held, d time.Duration) {
	if h.timer != nil {
		h.timer.Stop()
	}
	at := m.opts.Now().Add(d)
	m.emitLocked(EventRenewScheduled, obs.SeverityDebug, map[string]interface{}{
		"lease_id": h.lease.LeaseID,
		"at":       at,
	})
	leaseID := h.lease.LeaseID
	h.timer = time.AfterFunc(d, func() { m.beat(leaseID) })
}

func (m *Manager) beat(leaseID string) {
	m.mu.Lock()
	if m.cur == nil || m.cur.lease.LeaseID != leaseID || m.cur.lost != nil {
		m.mu.Unlock()
		return
	}
	lease := m.cur.lease
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.TTL/2)
	defer cancel()
	updated, err := m.Renew(ctx, lease)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.lease.LeaseID != leaseID || m.cur.lost != nil {
		return
	}
	if err != nil {
		// Retry sooner, but only while the lease can still be saved.
		if m.opts.Now().Add(m.opts.TTL / 4).Before(updated.ExpiresAt) {
			m.armLocked(m.cur, m.opts.TTL/4)
			return
		}
		m.cur.lost = fmt.Errorf("%w: heartbeat could not renew before expiry: %v", ErrLeaseLost, err)
		m.emitLocked(EventError, obs.SeverityError, map[string]interface{}{
			"operation": "renew",
			"retryable": false,
			"lease_id":  leaseID,
			"error":     m.cur.lost.Error(),
		})
		m.readOnly = ReasonLeaseLost
		m.emitLocked(EventReadOnlyEntered, obs.SeverityWarn, map[string]interface{}{
			"reason": ReasonLeaseLost,
			"error":  m.cur.lost.Error(),
		})
		return
	}
	m.armLocked(m.cur, m.opts.TTL/2)
}

// Release gives up lease. It is best-effort: failures are reported as
// warnings and returned, but the manager forgets the lease either way.
func (m *Manager) Release(ctx context.Context, lease Lease) error {
	return m.release(ctx, lease, false)
}

func (m *Manager) release(ctx context.Context, lease Lease, force bool) error {
	m.emit(EventReleaseRequested, obs.SeverityDebug, map[string]interface{}{
		"lease_id": lease.LeaseID,
		"force":    force,
	})

	m.mu.Lock()
	h, err := m.current(lease)
	if err == nil {
		if h.timer != nil {
			h.timer.Stop()
		}
		m.cur = nil
	}
	m.mu.Unlock()

	var released bool
	switch {
	case err != nil && !force:
		m.emit(EventWarning, obs.SeverityWarn, map[string]interface{}{
			"reason": "release-unknown-lease",
			"error":  err.Error(),
		})
		return err
	case h != nil && h.handle != nil:
		err = h.handle.Release(ctx)
		released = err == nil
	case m.fallback != nil:
		released, err = m.fallback.release(ctx, lease.LeaseID, m.opts.OwnerID, force)
	default:
		err = nil
	}
	if err != nil {
		m.emit(EventWarning, obs.SeverityWarn, map[string]interface{}{
			"reason": "release-failed",
			"error":  err.Error(),
		})
		return failure.Wrap(failure.LockUnavailable, "release", err)
	}
	m.emit(EventReleased, obs.SeverityInfo, map[string]interface{}{
		"lease_id": lease.LeaseID,
		"removed":  released,
	})
	return nil
}

// ReleaseAll releases whatever this manager holds. With force it also
// clears a fallback record this owner left behind, even if a renew raced
// the release; another owner's record is removed only when expired.
func (m *Manager) ReleaseAll(ctx context.Context, force bool) error {
	m.mu.Lock()
	var lease *Lease
	if m.cur != nil {
		l := m.cur.lease
		lease = &l
	}
	m.mu.Unlock()

	var errs error
	if lease != nil {
		errs = multierr.Append(errs, m.release(ctx, *lease, force))
		if lease.Strategy == StrategyFallback || !force {
			return errs
		}
	}
	if force && m.fallback != nil {
		errs = multierr.Append(errs, m.release(ctx, Lease{}, true))
	}
	return errs
}

// Holder reads the fallback record, if any. Used by inspection tooling.
func (m *Manager) Holder(ctx context.Context) (owner string, expires time.Time, err error) {
	if m.fallback == nil {
		return "", time.Time{}, ErrUnsupported
	}
	rec, err := m.fallback.read(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	return rec.OwnerID, rec.ExpiresAt, nil
}
