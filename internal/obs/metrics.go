package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	FlushTotal     *prometheus.CounterVec   // result=success|retry|fatal|skipped
	FlushLatencyMS prometheus.Histogram
	RetryTotal     prometheus.Counter
	PhaseTotal     *prometheus.CounterVec   // phase=<phase>
	LockEvents     *prometheus.CounterVec   // event=attempt|acquired|...
	LeaseOpTotal   *prometheus.CounterVec   // op=acquire|renew|release, result=success|fail|busy
	LeaseLatencyMS *prometheus.HistogramVec // op=acquire|renew|release
	DBBusyTotal    *prometheus.CounterVec   // op=acquire|renew|release

	HistoryEntries prometheus.Gauge
	HistoryBytes   prometheus.Gauge
	LeasesHeld     prometheus.Gauge
	ExpiredTotal   prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FlushTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autosave_flush_total",
				Help: "Completed flush cycles by result",
			},
			[]string{"result"},
		),
		FlushLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autosave_flush_latency_ms",
			Help:    "Latency of a flush cycle from lock request to release (ms)",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms .. ~8s
		}),
		RetryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autosave_retry_total",
			Help: "Flush retries scheduled after a retryable failure",
		}),
		PhaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autosave_phase_transitions_total",
				Help: "Phase transitions by target phase",
			},
			[]string{"phase"},
		),
		LockEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autosave_lock_events_total",
				Help: "Lock manager lifecycle events by type",
			},
			[]string{"event"},
		),
		LeaseOpTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autosave_lease_op_total",
				Help: "Native lease operations by result",
			},
			[]string{"op", "result"},
		),
		LeaseLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autosave_lease_op_latency_ms",
				Help:    "Latency of native lease operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"op"},
		),
		DBBusyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autosave_lease_db_busy_total",
				Help: "Total sqlite busy/locked errors in the lease store",
			},
			[]string{"op"},
		),
		HistoryEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autosave_history_entries",
			Help: "Entries retained in the history ledger",
		}),
		HistoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autosave_history_bytes",
			Help: "Stored bytes retained in the history ledger",
		}),
		LeasesHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autosave_leases_held",
			Help: "Number of currently held (unexpired) native leases",
		}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autosave_lease_expired_total",
			Help: "Leases that expired and were cleared by the monitor",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FlushTotal,
			m.FlushLatencyMS,
			m.RetryTotal,
			m.PhaseTotal,
			m.LockEvents,
			m.LeaseOpTotal,
			m.LeaseLatencyMS,
			m.DBBusyTotal,
			m.HistoryEntries,
			m.HistoryBytes,
			m.LeasesHeld,
			m.ExpiredTotal,
		)
	}

	return m
}
