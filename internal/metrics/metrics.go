// Package metrics exposes Prometheus counters for sync activity.
//
// A nil *Metrics is valid and records nothing, so components take an
// optional *Metrics without nil checks at every call site.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Push results.
const (
	ResultOK        = "ok"
	ResultRecovered = "recovered"
	ResultConflict  = "conflict"
	ResultMissed    = "missed"
	ResultGone      = "gone"
	ResultError     = "error"
)

// Metrics holds the recsync collectors.
type Metrics struct {
	pushes        *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	retries       prometheus.Counter
	deltasApplied prometheus.Counter
	updates       *prometheus.CounterVec
	failovers     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		pushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recsync_pushes_total",
			Help: "Transaction pushes by result",
		}, []string{"database", "result"}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recsync_conflicts_total",
			Help: "Conflicts reported by dry runs, by conflict type",
		}, []string{"type"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "recsync_push_retries_total",
			Help: "Pushes retried after the server rejected the base revision",
		}),
		deltasApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "recsync_deltas_applied_total",
			Help: "Deltas applied to local datasets",
		}),
		updates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recsync_updates_total",
			Help: "Controller updates by result",
		}, []string{"database", "result"}),
		failovers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recsync_watcher_failovers_total",
			Help: "Watcher engine failures that triggered a replacement engine",
		}, []string{"engine"}),
		gatherer: reg,
	}
}

// Push counts one push outcome.
func (m *Metrics) Push(database, result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(database, result).Inc()
}

// Conflict counts one conflict of the given type.
func (m *Metrics) Conflict(conflictType string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(conflictType).Inc()
}

// Retry counts one push retry.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// DeltasApplied adds n applied deltas.
func (m *Metrics) DeltasApplied(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deltasApplied.Add(float64(n))
}

// Update counts one controller update outcome.
func (m *Metrics) Update(database, result string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(database, result).Inc()
}

// Failover counts one engine failure of the given kind ("push" or "poll").
func (m *Metrics) Failover(engine string) {
	if m == nil {
		return
	}
	m.failovers.WithLabelValues(engine).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
