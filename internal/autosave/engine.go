// Package autosave decides when the working document is flushed and runs
// each flush: acquire the lease, write current, record history, collect
// evicted snapshots, release.
//
// One Engine runs at most one flush at a time. A manual flush requested
// while another is running waits for it and then runs exactly one more.
// Retryable failures are retried with backoff inside the flush; fatal ones
// disable the engine until a new one is constructed.
package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/RNA4219/Conimgponic-sub000/internal/failure"
	"github.com/RNA4219/Conimgponic-sub000/internal/history"
	"github.com/RNA4219/Conimgponic-sub000/internal/lock"
	"github.com/RNA4219/Conimgponic-sub000/internal/obs"
	"github.com/RNA4219/Conimgponic-sub000/internal/retry"
	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
	"github.com/RNA4219/Conimgponic-sub000/internal/writer"
)

// ErrDisposed resolves flushes that were queued when Dispose ran.
var ErrDisposed = errors.New("autosave: engine disposed")

// Provider returns the document to persist. A nil document means there is
// nothing to flush.
type Provider func(ctx context.Context) (any, error)

// Locker is the part of *lock.Manager the engine uses. The engine owns the
// retry schedule: TryAcquire makes one attempt, and Downgrade is called once
// the engine gives up on a lock that stayed unavailable.
type Locker interface {
	TryAcquire(ctx context.Context) (lock.Lease, error)
	Downgrade(reason string, cause error)
	Check(lease lock.Lease) error
	Release(ctx context.Context, lease lock.Lease) error
	ReleaseAll(ctx context.Context, force bool) error
}

type Trigger string

const (
	TriggerAuto   Trigger = "auto"
	TriggerManual Trigger = "manual"
)

// Engine event types.
const (
	EventBlocked        = "blocked"
	EventPhase          = "phase"
	EventDirty          = "dirty"
	EventFlushStarted   = "flush-started"
	EventFlushSucceeded = "flush-succeeded"
	EventFlushSkipped   = "flush-skipped"
	EventRetryScheduled = "retry-scheduled"
	EventDisabled       = "disabled"
	EventWarning        = "warning"
	EventDisposed       = "disposed"
)

type Options struct {
	Store    storage.Adapter
	Layout   storage.Layout
	Provider Provider
	// Locker defaults to a fallback-capable lock.Manager over Store.
	Locker Locker

	Limits history.Limits
	Codec  history.Codec

	Debounce time.Duration
	Idle     time.Duration
	Retry    retry.Policy

	Now     func() time.Time
	Sleep   retry.SleepFunc
	Sink    obs.Sink
	Logger  *obs.Logger
	Metrics *obs.Metrics
}

const (
	DefaultDebounce = 500 * time.Millisecond
	DefaultIdle     = 2 * time.Second
)

type flight struct {
	done chan struct{}
	err  error
	// gen is the generation this flight is expected to record.
	gen uint32
}

func newFlight(gen uint32) *flight {
	return &flight{done: make(chan struct{}), gen: gen}
}

type Engine struct {
	opts    Options
	writer  *writer.Writer
	history *history.Manager
	locker  Locker

	// ctx is cancelled by Dispose. It bounds lock acquisition and retry
	// waits, never storage I/O of a flush that holds the lease.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	phase         Phase
	lastSuccessAt time.Time
	pendingBytes  uint64
	lastError     *failure.Error
	retryCount    uint32
	dirtySeq      uint64
	flushedSeq    uint64
	nextGen       uint32
	timer         *time.Timer
	timerGen      uint64
	inflight      *flight
	queued        *flight
	disposed      bool
}

// Start builds a running engine without consulting an enablement snapshot.
// Most callers want New. Snapshot files orphaned by an earlier crash are
// pruned before Start returns if the lease is free.
func Start(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("autosave: store is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("autosave: provider is required")
	}
	if opts.Layout.Root == "" {
		opts.Layout = storage.DefaultLayout()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Idle <= 0 {
		opts.Idle = DefaultIdle
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.EnginePolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Wait
	}

	w := writer.New(opts.Store, opts.Layout, opts.Logger)
	e := &Engine{
		opts:   opts,
		writer: w,
		history: history.NewManager(opts.Store, w, history.Options{
			Layout:  opts.Layout,
			Limits:  opts.Limits,
			Codec:   opts.Codec,
			Logger:  opts.Logger,
			Metrics: opts.Metrics,
		}),
		locker:  opts.Locker,
		phase:   PhaseIdle,
		nextGen: 1,
	}
	if e.locker == nil {
		e.locker = lock.NewManager(lock.Options{
			Store:     opts.Store,
			Layout:    opts.Layout,
			Heartbeat: true,
			Now:       opts.Now,
			Sleep:     opts.Sleep,
			Sink:      opts.Sink,
			Logger:    opts.Logger,
		})
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.pruneOrphans(ctx)
	if gen, err := e.history.NextGeneration(ctx); err == nil {
		e.nextGen = gen
	}
	return e, nil
}

// pruneOrphans deletes snapshot files the ledger does not reference. The
// listing is a cheap read; the delete runs under the lease so a file another
// instance wrote but has not indexed yet is never removed. A held lease
// skips pruning until the next start.
func (e *Engine) pruneOrphans(ctx context.Context) {
	orphans, err := e.history.Orphans(ctx)
	if err != nil {
		e.emit(EventWarning, obs.SeverityWarn, map[string]interface{}{
			"reason": "prune-failed",
			"error":  err.Error(),
		})
		return
	}
	if len(orphans) == 0 {
		return
	}

	lease, err := e.locker.TryAcquire(ctx)
	if err != nil {
		e.emit(EventWarning, obs.SeverityWarn, map[string]interface{}{
			"reason":  "prune-skipped",
			"orphans": orphans,
			"error":   err.Error(),
		})
		return
	}
	removed, err := e.history.Prune(ctx)
	if rerr := e.locker.Release(context.Background(), lease); rerr != nil {
		e.emit(EventWarning, obs.SeverityWarn, map[string]interface{}{
			"reason": "release-failed",
			"error":  rerr.Error(),
		})
	}
	switch {
	case err != nil:
		e.emit(EventWarning, obs.SeverityWarn, map[string]interface{}{
			"reason": "prune-failed",
			"error":  err.Error(),
		})
	case len(removed) > 0:
		e.emit(EventWarning, obs.SeverityInfo, map[string]interface{}{
			"reason":  "orphans-pruned",
			"removed": removed,
		})
	}
}

func (e *Engine) emit(typ string, sev obs.Severity, fields map[string]interface{}) {
	if e.opts.Sink == nil {
		return
	}
	e.opts.Sink.Emit(obs.Event{
		Time:     e.opts.Now(),
		Source:   "engine",
		Type:     typ,
		Severity: sev,
		Fields:   fields,
	})
}

// setPhaseLocked moves to p. Disabled is absorbing.
func (e *Engine) setPhaseLocked(p Phase) {
	if e.phase == p || e.phase == PhaseDisabled {
		return
	}
	e.phase = p
	e.emit(EventPhase, obs.SeverityDebug, map[string]interface{}{"phase": string(p)})
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.setPhaseLocked(p)
	e.mu.Unlock()
}

func (e *Engine) Snapshot() StatusSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := StatusSnapshot{
		Phase:        e.phase,
		PendingBytes: e.pendingBytes,
		LastError:    errorInfo(e.lastError),
		RetryCount:   e.retryCount,
	}
	if !e.lastSuccessAt.IsZero() {
		t := e.lastSuccessAt
		s.LastSuccessAt = &t
	}
	if e.queued != nil {
		g := e.queued.gen
		s.QueuedGeneration = &g
	}
	return s
}

func (e *Engine) stopTimerLocked() {
	e.timerGen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// armLocked runs fn under e.mu after d unless another timer is armed or
// the timers are stopped first.
func (e *Engine) armLocked(d time.Duration, fn func()) {
	e.stopTimerLocked()
	gen := e.timerGen
	e.timer = time.AfterFunc(d, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if gen != e.timerGen || e.disposed {
			return
		}
		e.timer = nil
		fn()
	})
}

// MarkDirty records a change of roughly estimatedBytes and restarts the
// debounce timer. During a flush the mark is held until the flush ends.
func (e *Engine) MarkDirty(estimatedBytes uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed || e.phase == PhaseDisabled {
		return
	}
	e.dirtySeq++
	e.pendingBytes = estimatedBytes
	e.emit(EventDirty, obs.SeverityDebug, map[string]interface{}{"bytes": estimatedBytes})
	if e.inflight != nil {
		return
	}
	e.setPhaseLocked(PhaseDebouncing)
	e.armLocked(e.opts.Debounce, e.debounceElapsed)
}

func (e *Engine) debounceElapsed() {
	e.armLocked(e.opts.Idle, e.idleElapsed)
}

func (e *Engine) idleElapsed() {
	if e.inflight != nil {
		return
	}
	e.startLocked(TriggerAuto)
}

func (e *Engine) startLocked(trigger Trigger) *flight {
	f := newFlight(e.nextGen)
	e.inflight = f
	go e.run(f, trigger)
	return f
}

// FlushNow flushes without waiting for the timers. If a flush is running,
// FlushNow waits for it and for one follow-up flush shared by every caller
// that arrived meanwhile. It is a no-op once the engine is disabled.
func (e *Engine) FlushNow(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed || e.phase == PhaseDisabled {
		e.mu.Unlock()
		return nil
	}
	e.stopTimerLocked()
	var f *flight
	switch {
	case e.inflight == nil:
		f = e.startLocked(TriggerManual)
	case e.queued != nil:
		f = e.queued
	default:
		f = newFlight(e.inflight.gen + 1)
		e.queued = f
	}
	e.mu.Unlock()

	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(f *flight, trigger Trigger) {
	err := e.flushWithRetry(trigger)

	e.mu.Lock()
	defer e.mu.Unlock()
	f.err = err
	close(f.done)
	e.inflight = nil

	switch {
	case e.disposed || e.phase == PhaseDisabled:
		if q := e.queued; q != nil {
			e.queued = nil
			q.err = err
			if q.err == nil {
				q.err = ErrDisposed
			}
			close(q.done)
		}
	case e.queued != nil:
		q := e.queued
		e.queued = nil
		q.gen = e.nextGen
		e.inflight = q
		go e.run(q, TriggerManual)
	case e.dirtySeq > e.flushedSeq:
		e.setPhaseLocked(PhaseDebouncing)
		e.armLocked(e.opts.Debounce, e.debounceElapsed)
	}
}

func classify(err error) *failure.Error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return fe
	}
	return failure.Wrap(failure.WriteFailed, "flush", err).(*failure.Error)
}

func (e *Engine) flushWithRetry(trigger Trigger) (err error) {
	start := time.Now()
	ctrl := retry.NewController(e.opts.Retry)
	e.emit(EventFlushStarted, obs.SeverityDebug, map[string]interface{}{"trigger": string(trigger)})

	defer func() {
		if e.opts.Logger == nil {
			return
		}
		fields := map[string]interface{}{
			"op":         "flush",
			"trigger":    string(trigger),
			"attempts":   ctrl.Attempt() + 1,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			fields["error"] = err.Error()
			e.opts.Logger.Error(fields)
			return
		}
		e.opts.Logger.Info(fields)
	}()

	for {
		err := e.flushOnce()
		if err == nil {
			if e.opts.Metrics != nil {
				e.opts.Metrics.FlushLatencyMS.Observe(float64(time.Since(start).Milliseconds()))
			}
			return nil
		}
		if e.ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return ErrDisposed
		}

		fe := classify(err)
		e.mu.Lock()
		if !fe.Retryable {
			e.disableLocked(fe)
			e.mu.Unlock()
			e.countFlush("fatal")
			return fe
		}
		delay, ok := ctrl.Next()
		if !ok {
			final := failure.Fatal(fe.Code, fmt.Sprintf("gave up after %d attempts", ctrl.Attempt()+1), fe)
			e.disableLocked(final)
			e.mu.Unlock()
			if fe.Code == failure.LockUnavailable {
				e.locker.Downgrade(lock.ReasonRetriesExhausted, fe)
			}
			e.countFlush("fatal")
			return final
		}
		e.lastError = fe
		e.retryCount = uint32(ctrl.Attempt())
		e.setPhaseLocked(PhaseError)
		e.emit(EventRetryScheduled, obs.SeverityWarn, map[string]interface{}{
			"attempt":  ctrl.Attempt(),
			"delay_ms": delay.Milliseconds(),
			"code":     string(fe.Code),
			"error":    fe.Error(),
		})
		e.mu.Unlock()
		e.countFlush("retry")
		if e.opts.Metrics != nil {
			e.opts.Metrics.RetryTotal.Inc()
		}

		if err := e.opts.Sleep(e.ctx, delay); err != nil {
			return ErrDisposed
		}
	}
}

func (e *Engine) countFlush(result string) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.FlushTotal.WithLabelValues(result).Inc()
	}
}

// disableLocked stops the engine for good after a fatal error.
func (e *Engine) disableLocked(fe *failure.Error) {
	e.lastError = fe
	e.retryCount = 0
	e.stopTimerLocked()
	e.setPhaseLocked(PhaseDisabled)
	e.emit(EventDisabled, obs.SeverityError, map[string]interface{}{
		"code":  string(fe.Code),
		"error": fe.Error(),
	})
}

// flushOnce runs one pass of the pipeline. Once the lease is held the pass
// runs to completion regardless of Dispose.
func (e *Engine) flushOnce() error {
	e.mu.Lock()
	seq := e.dirtySeq
	e.setPhaseLocked(PhaseAwaitingLock)
	e.mu.Unlock()

	doc, err := e.opts.Provider(e.ctx)
	if err != nil {
		return failure.Wrap(failure.WriteFailed, "load document", err)
	}
	if doc == nil {
		e.mu.Lock()
		e.flushedSeq = seq
		if e.dirtySeq == seq {
			e.pendingBytes = 0
		}
		e.setPhaseLocked(PhaseIdle)
		e.mu.Unlock()
		e.countFlush("skipped")
		e.emit(EventFlushSkipped, obs.SeverityDebug, map[string]interface{}{"reason": "no-document"})
		return nil
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return failure.Fatal(failure.WriteFailed, "serialize document", err)
	}

	lease, err := e.locker.TryAcquire(e.ctx)
	if err != nil {
		return failure.Wrap(failure.LockUnavailable, "acquire", err)
	}

	bg := context.Background()
	commit, err := e.commit(bg, lease, payload)
	if rerr := e.locker.Release(bg, lease); rerr != nil {
		e.emit(EventWarning, obs.SeverityWarn, map[string]interface{}{
			"reason": "release-failed",
			"error":  rerr.Error(),
		})
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.lastSuccessAt = e.opts.Now()
	e.lastError = nil
	e.retryCount = 0
	e.flushedSeq = seq
	if e.dirtySeq == seq {
		e.pendingBytes = 0
	}
	e.nextGen = commit.Index.NextGeneration
	e.setPhaseLocked(PhaseIdle)
	e.mu.Unlock()

	e.countFlush("success")
	e.emit(EventFlushSucceeded, obs.SeverityInfo, map[string]interface{}{
		"generation": commit.Entry.Generation,
		"bytes":      len(payload),
		"evicted":    len(commit.Evicted),
		"entries":    len(commit.Index.Entries),
	})
	return nil
}

func (e *Engine) commit(ctx context.Context, lease lock.Lease, payload []byte) (history.Commit, error) {
	e.setPhase(PhaseWritingCurrent)
	if err := e.locker.Check(lease); err != nil {
		return history.Commit{}, err
	}
	if err := e.writer.WriteCurrent(ctx, payload); err != nil {
		return history.Commit{}, err
	}

	e.setPhase(PhaseUpdatingIndex)
	if err := e.locker.Check(lease); err != nil {
		return history.Commit{}, err
	}
	c, err := e.history.Record(ctx, payload, e.opts.Now())
	if err != nil {
		return history.Commit{}, err
	}

	e.setPhase(PhaseGc)
	if err := e.history.Collect(ctx, c.Evicted); err != nil {
		e.emit(EventWarning, obs.SeverityWarn, map[string]interface{}{
			"reason": "gc-failed",
			"error":  err.Error(),
		})
	}
	return c, nil
}

// Dispose stops the timers, drops a queued flush, waits for a running one
// and releases every lease this engine's locker holds. The engine stays
// disabled afterwards. If ctx ends before the running flush does, Dispose
// returns without releasing; the flush releases its own lease.
func (e *Engine) Dispose(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	e.stopTimerLocked()
	e.cancel()
	inflight := e.inflight
	q := e.queued
	e.queued = nil
	e.mu.Unlock()

	if q != nil {
		q.err = ErrDisposed
		close(q.done)
	}

	var errs error
	if inflight != nil {
		select {
		case <-inflight.done:
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("dispose: waiting for flush: %w", ctx.Err()))
		}
	}

	e.mu.Lock()
	e.setPhaseLocked(PhaseDisabled)
	e.pendingBytes = 0
	e.mu.Unlock()

	if errs == nil {
		errs = multierr.Append(errs, e.locker.ReleaseAll(context.Background(), true))
	}
	fields := map[string]interface{}{}
	if errs != nil {
		fields["error"] = errs.Error()
	}
	e.emit(EventDisposed, obs.SeverityInfo, fields)
	return errs
}
