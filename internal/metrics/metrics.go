// Package metrics exposes prometheus collectors for update cycles.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coinwatch"

// Failure stages reported by AccountFailed.
const (
	StageFetch   = "fetch"
	StageLoad    = "load"
	StageSave    = "save"
	StageJournal = "journal"
	StageNotify  = "notify"
)

// Cycle collects counters about update cycles. A nil *Cycle is a no-op.
type Cycle struct {
	cyclesTotal    *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	accountErrors  *prometheus.CounterVec
	changesTotal   *prometheus.CounterVec
	lastCompletion prometheus.Gauge
}

// New registers cycle collectors on reg, falling back to the default registerer.
func New(reg prometheus.Registerer) *Cycle {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Cycle{
		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "total",
				Help:      "Update cycles by outcome.",
			},
			[]string{"outcome"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "duration_seconds",
				Help:      "Time spent running a full update cycle.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		accountErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "account",
				Name:      "errors_total",
				Help:      "Per account failures by stage.",
			},
			[]string{"stage"},
		),
		changesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "diff",
				Name:      "changes_total",
				Help:      "Detected balance changes by kind.",
			},
			[]string{"kind"},
		),
		lastCompletion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "last_completed_timestamp_seconds",
				Help:      "Unix time of the last finished cycle.",
			},
		),
	}

	reg.MustRegister(m.cyclesTotal, m.cycleDuration, m.accountErrors, m.changesTotal, m.lastCompletion)

	return m
}

func (m *Cycle) CycleStarted() {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues("started").Inc()
}

// CycleFinished records a completed cycle that began at started.
func (m *Cycle) CycleFinished(started time.Time) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues("finished").Inc()
	m.cycleDuration.Observe(time.Since(started).Seconds())
	m.lastCompletion.SetToCurrentTime()
}

// CycleSkipped records a trigger rejected because a cycle was already running.
func (m *Cycle) CycleSkipped() {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues("skipped").Inc()
}

func (m *Cycle) AccountFailed(stage string) {
	if m == nil {
		return
	}
	m.accountErrors.WithLabelValues(stage).Inc()
}

func (m *Cycle) ChangesDetected(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.changesTotal.WithLabelValues(kind).Add(float64(n))
}
