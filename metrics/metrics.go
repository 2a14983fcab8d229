// Package metrics exposes the worker's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	JobsTotal          *prometheus.CounterVec
	CheckpointsTotal   *prometheus.CounterVec
	InvoicesTotal      *prometheus.CounterVec
	LockWaitSeconds    *prometheus.HistogramVec
	StaleClaimsCleared prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "jobs_total",
			Help:      "Generation jobs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		CheckpointsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "checkpoints_total",
			Help:      "Checkpoints appended by kind.",
		}, []string{"kind"}),
		InvoicesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "invoices_total",
			Help:      "Invoices emitted by type.",
		}, []string{"type"}),
		LockWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billing",
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring locks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"scope", "acquired"}),
		StaleClaimsCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "stale_claims_cleared_total",
			Help:      "Unit claims released by the sweeper.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.JobsTotal, m.CheckpointsTotal, m.InvoicesTotal, m.LockWaitSeconds, m.StaleClaimsCleared)
	}
	return m
}

// Job counts a finished job.
func (m *Metrics) Job(kind, outcome string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Checkpoint(kind string) {
	if m == nil {
		return
	}
	m.CheckpointsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Invoice(typ string) {
	if m == nil {
		return
	}
	m.InvoicesTotal.WithLabelValues(typ).Inc()
}

func (m *Metrics) StaleClaims(n int) {
	if m == nil {
		return
	}
	m.StaleClaimsCleared.Add(float64(n))
}

// ObserveLockWait implements lock.WaitObserver. The scope is the key up to
// its first colon, so per-doctor keys share one series.
func (m *Metrics) ObserveLockWait(key string, acquired bool, waited time.Duration) {
	if m == nil {
		return
	}
	scope := key
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			scope = key[:i]
			break
		}
	}
	label := "false"
	if acquired {
		label = "true"
	}
	m.LockWaitSeconds.WithLabelValues(scope, label).Observe(waited.Seconds())
}
