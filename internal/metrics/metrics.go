// Package metrics provides Prometheus metrics for the cache engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the cache engine. A nil
// receiver is valid and records nothing, so instrumented components treat the
// dependency as optional.
type Metrics struct {
	FetchCyclesTotal  *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec
	MutationsTotal    *prometheus.CounterVec
	MutationRollbacks *prometheus.CounterVec
	ReloadEventsTotal prometheus.Counter
}

// NewMetrics creates and registers all collectors on the default registry.
// Call it once per process.
func NewMetrics() *Metrics {
	m := &Metrics{}

	m.FetchCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncache_fetch_cycles_total",
			Help: "Total number of fetch cycles by entity type and outcome",
		},
		[]string{"type_name", "outcome"},
	)

	m.FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncache_fetch_duration_seconds",
			Help:    "Duration of fetch cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type_name"},
	)

	m.MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncache_mutations_total",
			Help: "Total number of optimistic mutations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	m.MutationRollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncache_mutation_rollbacks_total",
			Help: "Total number of rollbacks after remote mutation failures",
		},
		[]string{"operation"},
	)

	m.ReloadEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syncache_reload_events_total",
			Help: "Total number of published cache reload events",
		},
	)

	return m
}

// RecordFetch records one fetch cycle with its outcome.
func (m *Metrics) RecordFetch(typeName, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.FetchCyclesTotal.WithLabelValues(typeName, outcome).Inc()
	m.FetchDuration.WithLabelValues(typeName).Observe(duration.Seconds())
}

// RecordMutation records one mutation attempt with its outcome.
func (m *Metrics) RecordMutation(operation, outcome string) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordRollback records a completed rollback for the operation.
func (m *Metrics) RecordRollback(operation string) {
	if m == nil {
		return
	}
	m.MutationRollbacks.WithLabelValues(operation).Inc()
}

// RecordReloadEvent records one published reload event.
func (m *Metrics) RecordReloadEvent() {
	if m == nil {
		return
	}
	m.ReloadEventsTotal.Inc()
}

// Handler exposes the default registry over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}
