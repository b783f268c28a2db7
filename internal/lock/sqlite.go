package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/RNA4219/Conimgponic-sub000/internal/obs"
	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
)

type AcquireRequest struct {
	Resource string
	OwnerID  string
	TTL      time.Duration
	Now      time.Time // injected for testability; if zero, service uses time.Now()
}

type AcquireResult struct {
	Acquired       bool
	Resource       string
	OwnerID        string
	LeaseID        string
	FencingToken   int64
	LeaseExpiry    time.Time
	CurrentOwnerID string
	CurrentExpiry  time.Time
	RetryAfter     time.Duration
}

type RenewRequest struct {
	Resource     string
	OwnerID      string
	LeaseID      string
	FencingToken int64
	ExtendBy     time.Duration
	Now          time.Time
}

type RenewResult struct {
	Renewed     bool
	LeaseExpiry time.Time
	Reason      string // NOT_OWNER_OR_EXPIRED | BUSY_RETRY
}

type ReleaseRequest struct {
	Resource     string
	OwnerID      string
	LeaseID      string
	FencingToken int64
	Now          time.Time
}

type ReleaseResult struct {
	Released bool
	Reason   string // NOT_OWNER | BUSY_RETRY
}

type LeaseSnapshot struct {
	Resource     string
	Held         bool
	OwnerID      string
	LeaseID      string
	FencingToken int64
	LeaseExpiry  time.Time
	Version      int64
}

const (
	reasonBusy       = "BUSY_RETRY"
	reasonNotOwner   = "NOT_OWNER"
	reasonNotOwnerEx = "NOT_OWNER_OR_EXPIRED"
)

// LeaseService grants leases from the sqlite leases table with monotonic
// fencing tokens. Every instance sharing the database file contends on it.
type LeaseService struct {
	db      *sql.DB
	logger  *obs.Logger
	metrics *obs.Metrics
}

func NewLeaseService(db *storage.DB, logger *obs.Logger, metrics *obs.Metrics) *LeaseService {
	return &LeaseService{
		db:      db.DB,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *LeaseService) observeLatency(op string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.LeaseLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

func (s *LeaseService) incResult(op, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.LeaseOpTotal.WithLabelValues(op, result).Inc()
}

func (s *LeaseService) busy(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.DBBusyTotal.WithLabelValues(op).Inc()
	}
	s.incResult(op, "busy")
	s.observeLatency(op, start)
}

func (s *LeaseService) now(reqNow time.Time) time.Time {
	if !reqNow.IsZero() {
		return reqNow
	}
	return time.Now()
}

func (s *LeaseService) logOp(fields map[string]interface{}, start time.Time, errMsg string) {
	if s.logger == nil {
		return
	}
	fields["latency_ms"] = time.Since(start).Milliseconds()
	if errMsg != "" {
		fields["error"] = errMsg
		s.logger.Error(fields)
		return
	}
	s.logger.Debug(fields)
}

func (s *LeaseService) Acquire(ctx context.Context, req AcquireRequest) (res AcquireResult, err error) {
	if req.Resource == "" || req.OwnerID == "" {
		return AcquireResult{}, fmt.Errorf("resource and owner_id required")
	}
	if req.TTL <= 0 {
		return AcquireResult{}, fmt.Errorf("ttl must be > 0")
	}
	start := time.Now()
	defer func() {
		fields := map[string]interface{}{
			"op":        "lease_acquire",
			"resource":  req.Resource,
			"owner":     req.OwnerID,
			"acquired":  res.Acquired,
			"lease_id":  res.LeaseID,
			"token":     res.FencingToken,
			"cur_owner": res.CurrentOwnerID,
		}
		var msg string
		if err != nil {
			msg = err.Error()
		}
		s.logOp(fields, start, msg)
	}()

	busyResult := AcquireResult{Resource: req.Resource, RetryAfter: 50 * time.Millisecond}

	now := s.now(req.Now)
	nowNs := now.UnixNano()
	expiryNs := now.Add(req.TTL).UnixNano()
	leaseID := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		if storage.IsBusy(err) {
			s.busy("acquire", start)
			return busyResult, nil
		}
		return AcquireResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		curOwner sql.NullString
		curLease sql.NullString
		curToken int64
		curExpNs int64
		curVer   int64
	)
	err = tx.QueryRowContext(ctx, `
SELECT owner_id, lease_id, fencing_token, lease_expiry_ns, version
FROM leases WHERE resource = ?;
`, req.Resource).Scan(&curOwner, &curLease, &curToken, &curExpNs, &curVer)

	notFound := errors.Is(err, sql.ErrNoRows)
	if err != nil && !notFound {
		if storage.IsBusy(err) {
			s.busy("acquire", start)
			return busyResult, nil
		}
		return AcquireResult{}, err
	}

	if !notFound && curExpNs > nowNs && curOwner.Valid {
		s.incResult("acquire", "fail")
		s.observeLatency("acquire", start)
		return AcquireResult{
			Resource:       req.Resource,
			CurrentOwnerID: curOwner.String,
			CurrentExpiry:  time.Unix(0, curExpNs),
			RetryAfter:     recommendedRetry(nowNs, curExpNs),
		}, tx.Commit()
	}

	var newToken int64
	err = tx.QueryRowContext(ctx, `
INSERT INTO tokens(resource, last_token) VALUES(?, 1)
ON CONFLICT(resource) DO UPDATE SET last_token = tokens.last_token + 1
RETURNING last_token;
`, req.Resource).Scan(&newToken)
	if err == nil {
		_, err = tx.ExecContext(ctx, `
INSERT INTO leases(resource, owner_id, lease_id, fencing_token, lease_expiry_ns, version, created_at_ns, updated_at_ns)
VALUES(?, ?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(resource) DO UPDATE SET
  owner_id = excluded.owner_id,
  lease_id = excluded.lease_id,
  fencing_token = excluded.fencing_token,
  lease_expiry_ns = excluded.lease_expiry_ns,
  version = leases.version + 1,
  updated_at_ns = excluded.updated_at_ns;
`, req.Resource, req.OwnerID, leaseID, newToken, expiryNs, nowNs, nowNs)
	}
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		if storage.IsBusy(err) {
			s.busy("acquire", start)
			return busyResult, nil
		}
		return AcquireResult{}, err
	}

	s.incResult("acquire", "success")
	s.observeLatency("acquire", start)

	return AcquireResult{
		Acquired:     true,
		Resource:     req.Resource,
		OwnerID:      req.OwnerID,
		LeaseID:      leaseID,
		FencingToken: newToken,
		LeaseExpiry:  time.Unix(0, expiryNs),
	}, nil
}

func (s *LeaseService) Renew(ctx context.Context, req RenewRequest) (res RenewResult, err error) {
	if req.Resource == "" || req.OwnerID == "" || req.LeaseID == "" {
		return RenewResult{}, fmt.Errorf("resource, owner_id, lease_id required")
	}
	if req.FencingToken <= 0 {
		return RenewResult{}, fmt.Errorf("fencing_token must be > 0")
	}
	if req.ExtendBy <= 0 {
		return RenewResult{}, fmt.Errorf("extend_by must be > 0")
	}

	start := time.Now()
	defer func() {
		fields := map[string]interface{}{
			"op":       "lease_renew",
			"resource": req.Resource,
			"owner":    req.OwnerID,
			"lease_id": req.LeaseID,
			"token":    req.FencingToken,
			"renewed":  res.Renewed,
			"reason":   res.Reason,
		}
		var msg string
		if err != nil {
			msg = err.Error()
		}
		s.logOp(fields, start, msg)
	}()

	now := s.now(req.Now)
	nowNs := now.UnixNano()
	newExpNs := now.Add(req.ExtendBy).UnixNano()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		if storage.IsBusy(err) {
			s.busy("renew", start)
			return RenewResult{Reason: reasonBusy}, nil
		}
		return RenewResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Renew only if still owner, same lease+token, and not expired at evaluation time.
	r, err := tx.ExecContext(ctx, `
UPDATE leases
SET lease_expiry_ns = MAX(lease_expiry_ns, ?),
    version = version + 1,
    updated_at_ns = ?
WHERE resource = ?
  AND owner_id = ?
  AND lease_id = ?
  AND fencing_token = ?
  AND lease_expiry_ns > ?;
`, newExpNs, nowNs, req.Resource, req.OwnerID, req.LeaseID, req.FencingToken, nowNs)
	if err != nil {
		if storage.IsBusy(err) {
			s.busy("renew", start)
			return RenewResult{Reason: reasonBusy}, nil
		}
		return RenewResult{}, err
	}

	if aff, _ := r.RowsAffected(); aff != 1 {
		_ = tx.Commit()
		s.incResult("renew", "fail")
		return RenewResult{Reason: reasonNotOwnerEx}, nil
	}

	var expNs int64
	if err := tx.QueryRowContext(ctx, `SELECT lease_expiry_ns FROM leases WHERE resource = ?;`, req.Resource).Scan(&expNs); err != nil {
		return RenewResult{}, err
	}

	if err := tx.Commit(); err != nil {
		if storage.IsBusy(err) {
			s.busy("renew", start)
			return RenewResult{Reason: reasonBusy}, nil
		}
		return RenewResult{}, err
	}
	s.incResult("renew", "success")
	s.observeLatency("renew", start)
	return RenewResult{Renewed: true, LeaseExpiry: time.Unix(0, expNs)}, nil
}

func (s *LeaseService) Release(ctx context.Context, req ReleaseRequest) (res ReleaseResult, err error) {
	if req.Resource == "" || req.OwnerID == "" || req.LeaseID == "" {
		return ReleaseResult{}, fmt.Errorf("resource, owner_id, lease_id required")
	}
	if req.FencingToken <= 0 {
		return ReleaseResult{}, fmt.Errorf("fencing_token must be > 0")
	}

	start := time.Now()
	defer func() {
		fields := map[string]interface{}{
			"op":       "lease_release",
			"resource": req.Resource,
			"owner":    req.OwnerID,
			"lease_id": req.LeaseID,
			"token":    req.FencingToken,
			"released": res.Released,
		}
		var msg string
		if err != nil {
			msg = err.Error()
		}
		s.logOp(fields, start, msg)
	}()

	nowNs := s.now(req.Now).UnixNano()

	r, err := s.db.ExecContext(ctx, `
UPDATE leases
SET owner_id = NULL,
    lease_id = NULL,
    lease_expiry_ns = 0,
    version = version + 1,
    updated_at_ns = ?
WHERE resource = ?
  AND owner_id = ?
  AND lease_id = ?
  AND fencing_token = ?;
`, nowNs, req.Resource, req.OwnerID, req.LeaseID, req.FencingToken)
	if err != nil {
		if storage.IsBusy(err) {
			s.busy("release", start)
			return ReleaseResult{Reason: reasonBusy}, nil
		}
		return ReleaseResult{}, err
	}

	if aff, _ := r.RowsAffected(); aff == 1 {
		s.incResult("release", "success")
		return ReleaseResult{Released: true}, nil
	}
	s.incResult("release", "fail")
	return ReleaseResult{Reason: reasonNotOwner}, nil
}

func (s *LeaseService) Get(ctx context.Context, resource string, now time.Time) (LeaseSnapshot, error) {
	if resource == "" {
		return LeaseSnapshot{}, fmt.Errorf("resource required")
	}
	n := s.now(now).UnixNano()

	var (
		owner sql.NullString
		lease sql.NullString
		token int64
		expNs int64
		ver   int64
	)

	err := s.db.QueryRowContext(ctx, `
SELECT owner_id, lease_id, fencing_token, lease_expiry_ns, version
FROM leases WHERE resource = ?;
`, resource).Scan(&owner, &lease, &token, &expNs, &ver)
	if errors.Is(err, sql.ErrNoRows) {
		return LeaseSnapshot{Resource: resource}, nil
	}
	if err != nil {
		return LeaseSnapshot{}, err
	}

	return LeaseSnapshot{
		Resource:     resource,
		Held:         owner.Valid && expNs > n,
		OwnerID:      owner.String,
		LeaseID:      lease.String,
		FencingToken: token,
		LeaseExpiry:  time.Unix(0, expNs),
		Version:      ver,
	}, nil
}

func recommendedRetry(nowNs, expiryNs int64) time.Duration {
	until := time.Duration(expiryNs-nowNs) * time.Nanosecond
	if until < 0 {
		until = 0
	}
	h := until / 4
	if h < 25*time.Millisecond {
		h = 25 * time.Millisecond
	}
	if h > 1*time.Second {
		h = 1 * time.Second
	}
	return h
}

// SQLiteAdapter exposes a LeaseService as a native lock Adapter.
type SQLiteAdapter struct {
	Service *LeaseService
}

func (SQLiteAdapter) Name() string { return "sqlite" }

func (a SQLiteAdapter) Request(ctx context.Context, req Request) (Handle, error) {
	res, err := a.Service.Acquire(ctx, AcquireRequest{
		Resource: req.Resource,
		OwnerID:  req.OwnerID,
		TTL:      req.TTL,
	})
	if err != nil {
		return nil, err
	}
	if !res.Acquired {
		if res.CurrentOwnerID == "" {
			return nil, fmt.Errorf("%w: lease table busy", ErrHeld)
		}
		return nil, fmt.Errorf("%w: owner %s until %s", ErrHeld, res.CurrentOwnerID, res.CurrentExpiry.Format(time.RFC3339Nano))
	}
	return &sqliteHandle{svc: a.Service, res: res}, nil
}

type sqliteHandle struct {
	svc *LeaseService
	res AcquireResult
}

func (h *sqliteHandle) LeaseID() string      { return h.res.LeaseID }
func (h *sqliteHandle) FencingToken() int64  { return h.res.FencingToken }
func (h *sqliteHandle) ExpiresAt() time.Time { return h.res.LeaseExpiry }

func (h *sqliteHandle) Renew(ctx context.Context, ttl time.Duration) (time.Time, error) {
	rr, err := h.svc.Renew(ctx, RenewRequest{
		Resource:     h.res.Resource,
		OwnerID:      h.res.OwnerID,
		LeaseID:      h.res.LeaseID,
		FencingToken: h.res.FencingToken,
		ExtendBy:     ttl,
	})
	if err != nil {
		return time.Time{}, err
	}
	if rr.Renewed {
		return rr.LeaseExpiry, nil
	}
	if rr.Reason == reasonBusy {
		return time.Time{}, errors.New("lease table busy")
	}
	return time.Time{}, fmt.Errorf("%w: %s", ErrLeaseLost, rr.Reason)
}

func (h *sqliteHandle) Release(ctx context.Context) error {
	rr, err := h.svc.Release(ctx, ReleaseRequest{
		Resource:     h.res.Resource,
		OwnerID:      h.res.OwnerID,
		LeaseID:      h.res.LeaseID,
		FencingToken: h.res.FencingToken,
	})
	if err != nil {
		return err
	}
	if !rr.Released && rr.Reason == reasonBusy {
		return errors.New("lease table busy")
	}
	return nil
}
