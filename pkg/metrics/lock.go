package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LockMetrics instruments the storage node's file-lock engine. A nil
// *LockMetrics is valid and records nothing.
type LockMetrics struct {
	acquireTotal   *prometheus.CounterVec
	lockedFiles    prometheus.Gauge
	blockedWaiters prometheus.Gauge
	waitSeconds    *prometheus.HistogramVec
	holdSeconds    *prometheus.HistogramVec
	abandonedTotal *prometheus.CounterVec
}

// NewLockMetrics creates the lock-engine collectors, or returns nil when
// metrics are disabled.
func NewLockMetrics() *LockMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &LockMetrics{
		acquireTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "quiltfs_lock_acquire_total",
				Help: "File locks acquired, by the reason the lock was taken",
			},
			[]string{"reason"},
		),
		lockedFiles: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "quiltfs_lock_table_size",
				Help: "File locks currently held",
			},
		),
		blockedWaiters: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "quiltfs_lock_blocked_waiters",
				Help: "Acquisitions currently waiting for a contended lock",
			},
		),
		waitSeconds: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quiltfs_lock_wait_seconds",
				Help:    "Time spent waiting to acquire a file lock, by reason",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"reason"},
		),
		holdSeconds: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quiltfs_lock_hold_seconds",
				Help:    "Time a file lock was held, by reason",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"reason"},
		),
		abandonedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "quiltfs_lock_abandoned_total",
				Help: "Acquisition attempts abandoned before the lock was granted, by reason",
			},
			[]string{"reason"},
		),
	}
}

// ObserveAcquire records a granted lock and how long the caller waited.
func (m *LockMetrics) ObserveAcquire(reason string, waitedSeconds float64) {
	if m == nil {
		return
	}
	m.acquireTotal.WithLabelValues(reason).Inc()
	m.waitSeconds.WithLabelValues(reason).Observe(waitedSeconds)
}

// ObserveRelease records a released lock and how long it was held.
func (m *LockMetrics) ObserveRelease(reason string, heldSeconds float64) {
	if m == nil {
		return
	}
	m.holdSeconds.WithLabelValues(reason).Observe(heldSeconds)
}

// RecordAbandoned counts an acquisition cancelled while waiting.
func (m *LockMetrics) RecordAbandoned(reason string) {
	if m == nil {
		return
	}
	m.abandonedTotal.WithLabelValues(reason).Inc()
}

// SetLockedFiles updates the lock-table size gauge.
func (m *LockMetrics) SetLockedFiles(n int) {
	if m == nil {
		return
	}
	m.lockedFiles.Set(float64(n))
}

// AddBlocked adjusts the blocked-waiters gauge.
func (m *LockMetrics) AddBlocked(delta float64) {
	if m == nil {
		return
	}
	m.blockedWaiters.Add(delta)
}
