// Package observability carries the rig's diagnostics: Prometheus
// instruments, the HTTP endpoint that serves them, and a runtime/trace
// flight recorder for capturing the moments before a stall.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jstaube/pgrig/pkg/dberr"
)

// Metrics holds the rig's Prometheus instruments. A nil *Metrics records
// nothing, so call sites need no nil checks.
type Metrics struct {
	CheckoutsTotal   *prometheus.CounterVec
	AcquireWait      *prometheus.HistogramVec
	ConnectsTotal    *prometheus.CounterVec
	RoundTripsTotal  prometheus.Counter
	ScriptStatements *prometheus.CounterVec
}

// DefaultMetrics registers the rig's instruments on the default registry.
func DefaultMetrics() *Metrics {
	return &Metrics{
		CheckoutsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgrig_checkouts_total",
				Help: "Pool checkouts by session identity and outcome",
			},
			[]string{"identity", "status"},
		),
		AcquireWait: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgrig_acquire_wait_seconds",
				Help:    "Time spent waiting for pool capacity",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~3.2s
			},
			[]string{"identity"},
		),
		ConnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgrig_connects_total",
				Help: "Physical connection attempts by user and outcome",
			},
			[]string{"user", "status"},
		),
		RoundTripsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pgrig_round_trips_observed_total",
				Help: "Client round trips observed by trackers",
			},
		),
		ScriptStatements: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgrig_script_statements_total",
				Help: "Script statements executed by outcome",
			},
			[]string{"status"},
		),
	}
}

// statusLabel folds an error into a low-cardinality outcome label.
func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch dberr.KindOf(err) {
	case dberr.KindAuthentication:
		return "authentication"
	case dberr.KindNetwork:
		return "network"
	case dberr.KindConfiguration:
		return "configuration"
	case dberr.KindPoolExhausted:
		return "pool_exhausted"
	case dberr.KindPoolClosed:
		return "pool_closed"
	case dberr.KindUnsupported:
		return "unsupported"
	default:
		return "error"
	}
}

// RecordCheckout counts one acquire attempt and the time it waited.
func (m *Metrics) RecordCheckout(identity string, wait time.Duration, err error) {
	if m == nil {
		return
	}
	m.CheckoutsTotal.WithLabelValues(identity, statusLabel(err)).Inc()
	m.AcquireWait.WithLabelValues(identity).Observe(wait.Seconds())
}

// RecordConnect counts one physical connection attempt.
func (m *Metrics) RecordConnect(user string, err error) {
	if m == nil {
		return
	}
	m.ConnectsTotal.WithLabelValues(user, statusLabel(err)).Inc()
}

// RecordRoundTrips adds an observed round-trip delta.
func (m *Metrics) RecordRoundTrips(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RoundTripsTotal.Add(float64(n))
}

// RecordScriptStatement counts one executed script statement.
func (m *Metrics) RecordScriptStatement(err error) {
	if m == nil {
		return
	}
	m.ScriptStatements.WithLabelValues(statusLabel(err)).Inc()
}
