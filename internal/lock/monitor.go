package lock

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/multierr"

	"github.com/RNA4219/Conimgponic-sub000/internal/obs"
	"github.com/RNA4219/Conimgponic-sub000/internal/storage"
)

// EventExpired is emitted once for every sqlite lease a sweep clears.
const EventExpired = "expired"

// MonitorOptions configures an ExpirationMonitor. Every field is optional.
type MonitorOptions struct {
	Interval time.Duration
	Now      func() time.Time
	Sink     obs.Sink
	Logger   *obs.Logger
	Metrics  *obs.Metrics
}

// ExpiredLease is a lease a sweep took away from its owner.
type ExpiredLease struct {
	Resource     string    `json:"resource"`
	OwnerID      string    `json:"ownerId"`
	LeaseID      string    `json:"leaseId"`
	FencingToken int64     `json:"fencingToken"`
	ExpiredAt    time.Time `json:"expiredAt"`
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Held    int64
	Cleared []ExpiredLease
}

// ExpirationMonitor frees sqlite leases whose owners stopped renewing so
// lease status reflects reality between acquisitions.
type ExpirationMonitor struct {
	db   *sql.DB
	opts MonitorOptions
}

func NewExpirationMonitor(db *storage.DB, opts MonitorOptions) *ExpirationMonitor {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ExpirationMonitor{db: db.DB, opts: opts}
}

func (m *ExpirationMonitor) Run(ctx context.Context) {
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()

	for {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil && m.opts.Logger != nil {
			m.opts.Logger.Warn(map[string]interface{}{
				"op":    "lease_expire_sweep",
				"error": err.Error(),
				"busy":  storage.IsBusy(err),
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Sweep clears every expired lease in one transaction, then reports each
// one to the sink and returns the number of leases still held.
func (m *ExpirationMonitor) Sweep(ctx context.Context) (res SweepResult, err error) {
	start := time.Now()
	now := m.opts.Now()
	nowNs := now.UnixNano()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, tx.Rollback())
		}
	}()

	expired, err := expiredLeases(ctx, tx, nowNs)
	if err != nil {
		return res, err
	}
	for _, l := range expired {
		r, err := tx.ExecContext(ctx, `
UPDATE leases
SET owner_id = NULL,
    lease_id = NULL,
    lease_expiry_ns = 0,
    version = version + 1,
    updated_at_ns = ?
WHERE resource = ?
  AND lease_id = ?
  AND lease_expiry_ns <= ?;
`, nowNs, l.Resource, l.LeaseID, nowNs)
		if err != nil {
			return res, err
		}
		if n, _ := r.RowsAffected(); n > 0 {
			res.Cleared = append(res.Cleared, l)
		}
	}
	if err = tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM leases
WHERE owner_id IS NOT NULL AND lease_expiry_ns > ?;
`, nowNs).Scan(&res.Held); err != nil {
		return res, err
	}
	if err = tx.Commit(); err != nil {
		return res, err
	}

	m.report(now, res, time.Since(start))
	return res, nil
}

func expiredLeases(ctx context.Context, tx *sql.Tx, nowNs int64) ([]ExpiredLease, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT resource, owner_id, lease_id, fencing_token, lease_expiry_ns
FROM leases
WHERE owner_id IS NOT NULL
  AND lease_expiry_ns > 0
  AND lease_expiry_ns <= ?
ORDER BY resource;
`, nowNs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExpiredLease
	for rows.Next() {
		var (
			l       ExpiredLease
			leaseID sql.NullString
			expNs   int64
		)
		if err := rows.Scan(&l.Resource, &l.OwnerID, &leaseID, &l.FencingToken, &expNs); err != nil {
			return nil, err
		}
		l.LeaseID = leaseID.String
		l.ExpiredAt = time.Unix(0, expNs).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

func (m *ExpirationMonitor) report(now time.Time, res SweepResult, took time.Duration) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.LeasesHeld.Set(float64(res.Held))
		m.opts.Metrics.ExpiredTotal.Add(float64(len(res.Cleared)))
	}
	if len(res.Cleared) == 0 {
		return
	}
	if m.opts.Sink != nil {
		for _, l := range res.Cleared {
			m.opts.Sink.Emit(obs.Event{
				Time:     now,
				Source:   "lock",
				Type:     EventExpired,
				Severity: obs.SeverityWarn,
				Fields: map[string]interface{}{
					"resource":   l.Resource,
					"owner":      l.OwnerID,
					"lease_id":   l.LeaseID,
					"token":      l.FencingToken,
					"expired_at": l.ExpiredAt,
				},
			})
		}
	}
	if m.opts.Logger != nil {
		m.opts.Logger.Info(map[string]interface{}{
			"op":         "lease_expire_sweep",
			"held":       res.Held,
			"cleared":    len(res.Cleared),
			"latency_ms": took.Milliseconds(),
		})
	}
}
