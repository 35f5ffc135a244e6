package sync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the sync coordinator's Prometheus collectors.
// A nil *Metrics records nothing.
type Metrics struct {
	passes     *prometheus.CounterVec
	pushed     *prometheus.CounterVec
	conflicts  *prometheus.CounterVec
	duration   prometheus.Histogram
	queueDepth prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fairway",
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Sync passes by outcome.",
		}, []string{"outcome"}),
		pushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fairway",
			Subsystem: "sync",
			Name:      "pushed_items_total",
			Help:      "Queue items pushed to the remote by result.",
		}, []string{"result"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fairway",
			Subsystem: "sync",
			Name:      "conflicts_detected_total",
			Help:      "Conflicts detected during pulls by type.",
		}, []string{"type"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fairway",
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of sync passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fairway",
			Subsystem: "sync",
			Name:      "queue_pending_items",
			Help:      "Pending items in the mutation queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.passes, m.pushed, m.conflicts, m.duration, m.queueDepth)
	}
	return m
}

func (m *Metrics) observePass(status SyncStatus, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if status == SyncStatusError {
		outcome = "error"
	}
	m.passes.WithLabelValues(outcome).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) observePush(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.pushed.WithLabelValues(result).Inc()
}

func (m *Metrics) observeConflict(t string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(t).Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
