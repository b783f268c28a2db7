package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RNA4219/Conimgponic-sub000/internal/failure"
	"github.com/RNA4219/Conimgponic-sub000/internal/obs"
	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// stubNative answers requests from a queue of errors, then grants.
type stubNative struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *stubNative) Name() string { return "stub" }

func (s *stubNative) Request(ctx context.Context, req Request) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		if len(s.errs) > 1 {
			s.errs = s.errs[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	return &stubHandle{id: "native-lease", expires: time.Now().Add(req.TTL)}, nil
}

func (s *stubNative) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubHandle struct {
	id       string
	expires  time.Time
	released bool
}

func (h *stubHandle) LeaseID() string      { return h.id }
func (h *stubHandle) FencingToken() int64  { return 7 }
func (h *stubHandle) ExpiresAt() time.Time { return h.expires }
func (h *stubHandle) Renew(ctx context.Context, ttl time.Duration) (time.Time, error) {
	h.expires = time.Now().Add(ttl)
	return h.expires, nil
}
func (h *stubHandle) Release(ctx context.Context) error {
	h.released = true
	return nil
}

func newTestManager(t *testing.T, store storage.Adapter, owner string, mut func(*Options)) (*Manager, *obs.Recorder, *sleepRecorder) {
	t.Helper()
	rec := &obs.Recorder{}
	sl := &sleepRecorder{}
	opts := Options{
		OwnerID: owner,
		Mode:    ModeFallbackOnly,
		Store:   store,
		Sleep:   sl.Sleep,
		Sink:    rec,
	}
	if mut != nil {
		mut(&opts)
	}
	return NewManager(opts), rec, sl
}

func TestFallbackAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	m, rec, _ := newTestManager(t, store, "owner-1", nil)

	lease, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, StrategyFallback, lease.Strategy)
	assert.Equal(t, "owner-1", lease.OwnerID)
	assert.Equal(t, int64(1), lease.FencingToken)
	assert.Equal(t, []string{EventAttempt, EventAcquired}, rec.Types("lock"))
	require.NoError(t, m.Check(lease))

	owner, expires, err := m.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", owner)
	assert.WithinDuration(t, lease.ExpiresAt, expires, time.Millisecond)

	require.NoError(t, m.Release(ctx, lease))
	_, err = store.Read(ctx, storage.DefaultLayout().Lease())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, rec.Count("lock", EventReleased))

	err = m.Check(lease)
	assert.True(t, failure.Is(err, failure.LockUnavailable))
	assert.False(t, failure.IsRetryable(err))
}

func TestAcquireRetriesThenGoesReadOnly(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	holder, _, _ := newTestManager(t, store, "holder", nil)
	held, err := holder.Acquire(ctx)
	require.NoError(t, err)

	m, rec, sl := newTestManager(t, store, "contender", nil)
	_, err = m.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.LockUnavailable))
	assert.True(t, failure.IsRetryable(err))
	assert.ErrorIs(t, err, ErrHeld)

	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, sl.Delays())
	assert.Equal(t, 4, rec.Count("lock", EventAttempt))
	assert.Equal(t, 3, rec.Count("lock", EventWaiting))
	assert.Equal(t, 1, rec.Count("lock", EventReadOnlyEntered))

	ro, reason := m.ReadOnly()
	assert.True(t, ro)
	assert.Equal(t, ReasonRetriesExhausted, reason)

	require.NoError(t, holder.Release(ctx, held))
	_, err = m.Acquire(ctx)
	require.NoError(t, err)
	ro, _ = m.ReadOnly()
	assert.False(t, ro)
}

func TestTryAcquireMakesOneAttempt(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	holder, _, _ := newTestManager(t, store, "holder", nil)
	held, err := holder.Acquire(ctx)
	require.NoError(t, err)

	m, rec, sl := newTestManager(t, store, "contender", nil)
	_, err = m.TryAcquire(ctx)
	require.Error(t, err)
	assert.True(t, failure.IsRetryable(err))
	assert.ErrorIs(t, err, ErrHeld)
	assert.Empty(t, sl.Delays())
	assert.Equal(t, []string{EventAttempt}, rec.Types("lock"))
	ro, _ := m.ReadOnly()
	assert.False(t, ro, "a single miss does not downgrade")

	m.Downgrade(ReasonRetriesExhausted, err)
	ro, reason := m.ReadOnly()
	assert.True(t, ro)
	assert.Equal(t, ReasonRetriesExhausted, reason)
	assert.Equal(t, 1, rec.Count("lock", EventReadOnlyEntered))

	require.NoError(t, holder.Release(ctx, held))
	lease, err := m.TryAcquire(ctx)
	require.NoError(t, err)
	ro, _ = m.ReadOnly()
	assert.False(t, ro)
	require.NoError(t, m.Release(ctx, lease))
}

func TestFatalNativeErrorIsNotRetried(t *testing.T) {
	native := &stubNative{errs: []error{failure.Fatal(failure.LockUnavailable, "native", errors.New("permission denied"))}}
	m, rec, sl := newTestManager(t, storage.NewMemory(), "owner-1", func(o *Options) {
		o.Mode = ModeNativeOnly
		o.Native = native
	})

	_, err := m.Acquire(context.Background())
	require.Error(t, err)
	assert.False(t, failure.IsRetryable(err))
	assert.Empty(t, sl.Delays())
	assert.Equal(t, 1, native.Calls())
	assert.Equal(t, 1, rec.Count("lock", EventError))

	ro, reason := m.ReadOnly()
	assert.True(t, ro)
	assert.Equal(t, ReasonFatal, reason)
}

func TestUnsupportedNativeEngagesFallbackOnce(t *testing.T) {
	ctx := context.Background()
	native := &stubNative{errs: []error{ErrUnsupported}}
	m, rec, _ := newTestManager(t, storage.NewMemory(), "owner-1", func(o *Options) {
		o.Mode = ModeAuto
		o.Native = native
	})

	lease, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, StrategyFallback, lease.Strategy)
	assert.Equal(t, 1, rec.Count("lock", EventFallbackEngaged))
	for _, e := range rec.Events() {
		if e.Type == EventFallbackEngaged {
			assert.Equal(t, "unsupported", e.Fields["reason"])
		}
	}
	require.NoError(t, m.Release(ctx, lease))

	_, err = m.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, native.Calls(), "native is not retried once unsupported")
}

func TestNativeHeldIsRetriedWithoutFallback(t *testing.T) {
	native := &stubNative{errs: []error{ErrHeld, ErrHeld, nil}}
	m, rec, sl := newTestManager(t, storage.NewMemory(), "owner-1", func(o *Options) {
		o.Mode = ModeAuto
		o.Native = native
	})

	lease, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StrategyNative, lease.Strategy)
	assert.Equal(t, int64(7), lease.FencingToken)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, sl.Delays())
	assert.Zero(t, rec.Count("lock", EventFallbackEngaged))
}

func TestNativeOnlyWithoutAdapterIsUnsupported(t *testing.T) {
	m, _, _ := newTestManager(t, storage.NewMemory(), "owner-1", func(o *Options) {
		o.Mode = ModeNativeOnly
	})
	_, err := m.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.False(t, failure.IsRetryable(err))
}

func TestRenewDetectsLostLease(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	m, rec, _ := newTestManager(t, store, "owner-1", nil)

	lease, err := m.Acquire(ctx)
	require.NoError(t, err)

	renewed, err := m.Renew(ctx, lease)
	require.NoError(t, err)
	assert.Equal(t, int64(2), renewed.FencingToken)
	assert.Equal(t, 1, rec.Count("lock", EventRenewed))

	require.NoError(t, store.Delete(ctx, storage.DefaultLayout().Lease()))

	_, err = m.Renew(ctx, lease)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLeaseLost)
	assert.False(t, failure.IsRetryable(err))

	assert.Error(t, m.Check(lease))
	ro, reason := m.ReadOnly()
	assert.True(t, ro)
	assert.Equal(t, ReasonLeaseLost, reason)
}

func TestRenewStorageHiccupIsRetryable(t *testing.T) {
	ctx := context.Background()
	store := storage.NewFaulty(storage.NewMemory())
	m, rec, _ := newTestManager(t, store, "owner-1", nil)

	lease, err := m.Acquire(ctx)
	require.NoError(t, err)

	store.AddFault(storage.Fault{Op: storage.OpRename, Times: 1})
	held, err := m.Renew(ctx, lease)
	require.Error(t, err)
	assert.True(t, failure.IsRetryable(err))
	assert.Equal(t, uint32(1), held.RenewAttempt)
	assert.Equal(t, 1, rec.Count("lock", EventWarning))
	require.NoError(t, m.Check(lease))

	held, err = m.Renew(ctx, lease)
	require.NoError(t, err)
	assert.Zero(t, held.RenewAttempt)
}

func TestReleaseOnlyOwnLease(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	a, _, _ := newTestManager(t, store, "owner-a", nil)
	b, _, _ := newTestManager(t, store, "owner-b", nil)

	lease, err := a.Acquire(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Release(ctx, lease), ErrLeaseLost)
	require.NoError(t, b.ReleaseAll(ctx, true))

	owner, _, err := a.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "owner-a", owner, "a live foreign record survives a forced release")
}

func TestForcedReleaseClearsOwnStaleRecord(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	first, _, _ := newTestManager(t, store, "owner-1", nil)
	_, err := first.Acquire(ctx)
	require.NoError(t, err)

	// A restarted instance with the same owner id cleans up after itself.
	restarted, rec, _ := newTestManager(t, store, "owner-1", nil)
	require.NoError(t, restarted.ReleaseAll(ctx, true))

	_, _, err = restarted.Holder(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, rec.Count("lock", EventReleased))
}

func TestCorruptRecordIsOverwritten(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.Write(ctx, storage.DefaultLayout().Lease(), []byte("{not json")))

	m, rec, _ := newTestManager(t, store, "owner-1", nil)
	lease, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lease.FencingToken)

	var warned bool
	for _, e := range rec.Events() {
		if e.Type == EventWarning && e.Fields["reason"] == "corrupt-record-overwritten" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestHeartbeatRenewsUntilRelease(t *testing.T) {
	ctx := context.Background()
	m, rec, _ := newTestManager(t, storage.NewMemory(), "owner-1", func(o *Options) {
		o.TTL = 100 * time.Millisecond
		o.Heartbeat = true
	})

	lease, err := m.Acquire(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rec.Count("lock", EventRenewed) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Check(lease))

	require.NoError(t, m.Release(ctx, lease))
	n := rec.Count("lock", EventRenewed)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, n, rec.Count("lock", EventRenewed), "no renewals after release")
}

func TestAcquireTwiceIsRejected(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, storage.NewMemory(), "owner-1", nil)
	_, err := m.Acquire(ctx)
	require.NoError(t, err)
	_, err = m.Acquire(ctx)
	assert.True(t, failure.Is(err, failure.LockUnavailable))
}
