package lock_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RNA4219/Conimgponic-sub000/internal/lock"
	"github.com/RNA4219/Conimgponic-sub000/internal/obs"
	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
)

// fencedResource accepts writes only from tokens at least as new as the
// newest it has seen.
type fencedResource struct {
	mu        sync.Mutex
	lastToken int64
	accepted  int64
	rejected  int64
}

func (p *fencedResource) TryWrite(token int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if token < p.lastToken {
		p.rejected++
		return false
	}
	p.lastToken = token
	p.accepted++
	return true
}

func openLeaseDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{
		Path:         filepath.Join(t.TempDir(), "autosave_lease.db"),
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestFencingTokensOrderWriters(t *testing.T) {
	svc := lock.NewLeaseService(openLeaseDB(t), nil, nil)

	const (
		resource = "autosave"
		clients  = 16
	)
	ttl := time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	pr := &fencedResource{}
	var (
		acquireOK int64
		maxToken  int64
		holders   int64
		overlap   int64
	)

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("instance-%d", i)
			for ctx.Err() == nil {
				ar, err := svc.Acquire(ctx, lock.AcquireRequest{Resource: resource, OwnerID: owner, TTL: ttl})
				if err != nil {
					continue
				}
				if !ar.Acquired {
					time.Sleep(ar.RetryAfter)
					continue
				}
				atomic.AddInt64(&acquireOK, 1)
				for {
					prev := atomic.LoadInt64(&maxToken)
					if ar.FencingToken <= prev || atomic.CompareAndSwapInt64(&maxToken, prev, ar.FencingToken) {
						break
					}
				}
				if atomic.AddInt64(&holders, 1) > 1 {
					atomic.AddInt64(&overlap, 1)
				}
				pr.TryWrite(ar.FencingToken)
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt64(&holders, -1)

				_, _ = svc.Release(context.Background(), lock.ReleaseRequest{
					Resource:     resource,
					OwnerID:      owner,
					LeaseID:      ar.LeaseID,
					FencingToken: ar.FencingToken,
				})
			}
		}(i)
	}
	wg.Wait()

	require.Positive(t, acquireOK)
	assert.Zero(t, overlap, "two holders inside the lease at once")
	assert.Equal(t, acquireOK, maxToken, "every grant takes the next token")
	assert.Zero(t, pr.rejected)
	assert.True(t, pr.TryWrite(maxToken))
	assert.False(t, pr.TryWrite(maxToken-1))

	t.Logf("grants=%d max_token=%d accepted=%d", acquireOK, maxToken, pr.accepted)
}

func TestStaleReleaseCannotClobberNewOwner(t *testing.T) {
	svc := lock.NewLeaseService(openLeaseDB(t), nil, nil)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	ttl := 100 * time.Millisecond

	arA, err := svc.Acquire(ctx, lock.AcquireRequest{Resource: "autosave", OwnerID: "A", TTL: ttl, Now: base})
	require.NoError(t, err)
	require.True(t, arA.Acquired)

	// B is refused while A is live.
	denied, err := svc.Acquire(ctx, lock.AcquireRequest{Resource: "autosave", OwnerID: "B", TTL: ttl, Now: base.Add(ttl / 2)})
	require.NoError(t, err)
	assert.False(t, denied.Acquired)
	assert.Equal(t, "A", denied.CurrentOwnerID)
	assert.Positive(t, denied.RetryAfter)

	later := base.Add(ttl + time.Millisecond)
	arB, err := svc.Acquire(ctx, lock.AcquireRequest{Resource: "autosave", OwnerID: "B", TTL: ttl, Now: later})
	require.NoError(t, err)
	require.True(t, arB.Acquired)
	assert.Greater(t, arB.FencingToken, arA.FencingToken)
	assert.NotEqual(t, arA.LeaseID, arB.LeaseID)

	rrA, err := svc.Release(ctx, lock.ReleaseRequest{
		Resource:     "autosave",
		OwnerID:      "A",
		LeaseID:      arA.LeaseID,
		FencingToken: arA.FencingToken,
		Now:          later,
	})
	require.NoError(t, err)
	assert.False(t, rrA.Released)
	assert.Equal(t, "NOT_OWNER", rrA.Reason)

	snap, err := svc.Get(ctx, "autosave", later)
	require.NoError(t, err)
	assert.True(t, snap.Held)
	assert.Equal(t, "B", snap.OwnerID)
	assert.Equal(t, arB.LeaseID, snap.LeaseID)
	assert.Equal(t, arB.FencingToken, snap.FencingToken)
}

func TestRenewKeepsLeaseAliveThenExpires(t *testing.T) {
	svc := lock.NewLeaseService(openLeaseDB(t), nil, nil)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	ttl := 200 * time.Millisecond

	arA, err := svc.Acquire(ctx, lock.AcquireRequest{Resource: "autosave", OwnerID: "A", TTL: ttl, Now: base})
	require.NoError(t, err)
	require.True(t, arA.Acquired)

	now := base
	for i := 0; i < 5; i++ {
		now = now.Add(ttl / 2)
		rr, err := svc.Renew(ctx, lock.RenewRequest{
			Resource:     "autosave",
			OwnerID:      "A",
			LeaseID:      arA.LeaseID,
			FencingToken: arA.FencingToken,
			ExtendBy:     ttl,
			Now:          now,
		})
		require.NoError(t, err)
		require.True(t, rr.Renewed)
		assert.Equal(t, now.Add(ttl).UnixNano(), rr.LeaseExpiry.UnixNano())

		b, err := svc.Acquire(ctx, lock.AcquireRequest{Resource: "autosave", OwnerID: "B", TTL: ttl, Now: now})
		require.NoError(t, err)
		assert.False(t, b.Acquired, "B acquired during heartbeat %d", i)
	}

	expired := now.Add(ttl + time.Millisecond)
	rr, err := svc.Renew(ctx, lock.RenewRequest{
		Resource:     "autosave",
		OwnerID:      "A",
		LeaseID:      arA.LeaseID,
		FencingToken: arA.FencingToken,
		ExtendBy:     ttl,
		Now:          expired,
	})
	require.NoError(t, err)
	assert.False(t, rr.Renewed)
	assert.Equal(t, "NOT_OWNER_OR_EXPIRED", rr.Reason)

	arB, err := svc.Acquire(ctx, lock.AcquireRequest{Resource: "autosave", OwnerID: "B", TTL: ttl, Now: expired})
	require.NoError(t, err)
	require.True(t, arB.Acquired)
	assert.Greater(t, arB.FencingToken, arA.FencingToken)
}

func TestExpirationMonitorClearsExpiredLeases(t *testing.T) {
	db := openLeaseDB(t)
	svc := lock.NewLeaseService(db, nil, nil)
	ctx := context.Background()

	old := time.Now().Add(-time.Minute)
	_, err := svc.Acquire(ctx, lock.AcquireRequest{Resource: "stale", OwnerID: "A", TTL: time.Second, Now: old})
	require.NoError(t, err)
	_, err = svc.Acquire(ctx, lock.AcquireRequest{Resource: "live", OwnerID: "B", TTL: time.Hour})
	require.NoError(t, err)

	rec := &obs.Recorder{}
	mon := lock.NewExpirationMonitor(db, lock.MonitorOptions{Sink: rec})
	res, err := mon.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Held)
	require.Len(t, res.Cleared, 1)
	assert.Equal(t, "stale", res.Cleared[0].Resource)
	assert.Equal(t, "A", res.Cleared[0].OwnerID)

	snap, err := svc.Get(ctx, "stale", time.Time{})
	require.NoError(t, err)
	assert.False(t, snap.Held)
	assert.Empty(t, snap.OwnerID)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "lock", events[0].Source)
	assert.Equal(t, lock.EventExpired, events[0].Type)
	assert.Equal(t, "stale", events[0].Fields["resource"])
	assert.Equal(t, "A", events[0].Fields["owner"])

	// A second pass finds nothing and stays quiet.
	res, err = mon.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Cleared)
	assert.Len(t, rec.Events(), 1)
}

func TestExpirationMonitorUsesInjectedClock(t *testing.T) {
	db := openLeaseDB(t)
	svc := lock.NewLeaseService(db, nil, nil)
	ctx := context.Background()

	_, err := svc.Acquire(ctx, lock.AcquireRequest{Resource: "autosave", OwnerID: "A", TTL: time.Hour})
	require.NoError(t, err)

	rec := &obs.Recorder{}
	later := func() time.Time { return time.Now().Add(2 * time.Hour) }
	res, err := lock.NewExpirationMonitor(db, lock.MonitorOptions{Sink: rec, Now: later}).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Held)
	require.Len(t, res.Cleared, 1)
	assert.Equal(t, 1, rec.Count("lock", lock.EventExpired))
}

func TestSQLiteAdapterDeniesSecondOwner(t *testing.T) {
	svc := lock.NewLeaseService(openLeaseDB(t), nil, nil)
	a := lock.SQLiteAdapter{Service: svc}
	ctx := context.Background()

	h, err := a.Request(ctx, lock.Request{Resource: "autosave", OwnerID: "A", TTL: time.Minute})
	require.NoError(t, err)
	assert.Positive(t, h.FencingToken())

	_, err = a.Request(ctx, lock.Request{Resource: "autosave", OwnerID: "B", TTL: time.Minute})
	assert.ErrorIs(t, err, lock.ErrHeld)

	_, err = h.Renew(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))

	h2, err := a.Request(ctx, lock.Request{Resource: "autosave", OwnerID: "B", TTL: time.Minute})
	require.NoError(t, err)
	assert.Greater(t, h2.FencingToken(), h.FencingToken())

	_, err = h.Renew(ctx, time.Minute)
	assert.ErrorIs(t, err, lock.ErrLeaseLost)
}
