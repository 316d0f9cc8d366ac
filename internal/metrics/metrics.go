// Package metrics holds the Prometheus instruments for the sync pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calsync"

// Metrics holds Prometheus metrics for the sync service.
type Metrics struct {
	registry *prometheus.Registry

	SyncsTotal          *prometheus.CounterVec
	SyncDuration        *prometheus.HistogramVec
	SyncsInFlight       prometheus.Gauge
	FetchErrors         *prometheus.CounterVec
	ChangesetOps        *prometheus.CounterVec
	LeasesReclaimed     prometheus.Counter
	ConnectionsDisabled prometheus.Counter
}

// New creates a Metrics instance on its own registry so tests and
// multiple instances never collide on global registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		SyncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "syncs_total",
				Help:      "Total number of sync attempts",
			},
			[]string{"provider", "sync_type", "status"},
		),
		SyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Sync attempt duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		SyncsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "syncs_in_flight",
				Help:      "Number of syncs currently running",
			},
		),
		FetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_fetch_errors_total",
				Help:      "Feed fetch failures by kind",
			},
			[]string{"kind"},
		),
		ChangesetOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changeset_operations_total",
				Help:      "Applied changeset operations",
			},
			[]string{"op"}, // create, update, delete
		),
		LeasesReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leases_reclaimed_total",
				Help:      "Connections force-failed by the watchdog after their sync lease expired",
			},
		),
		ConnectionsDisabled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_disabled_total",
				Help:      "Connections disabled after reaching the failure threshold",
			},
		),
	}

	reg.MustRegister(
		m.SyncsTotal,
		m.SyncDuration,
		m.SyncsInFlight,
		m.FetchErrors,
		m.ChangesetOps,
		m.LeasesReclaimed,
		m.ConnectionsDisabled,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveSync records one finished sync attempt.
func (m *Metrics) ObserveSync(provider, syncType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SyncsTotal.WithLabelValues(provider, syncType, status).Inc()
	m.SyncDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveChangeset records applied changeset operation counts.
func (m *Metrics) ObserveChangeset(created, updated, deleted int) {
	if m == nil {
		return
	}
	m.ChangesetOps.WithLabelValues("create").Add(float64(created))
	m.ChangesetOps.WithLabelValues("update").Add(float64(updated))
	m.ChangesetOps.WithLabelValues("delete").Add(float64(deleted))
}

// ObserveFetchError records a feed fetch failure.
func (m *Metrics) ObserveFetchError(kind string) {
	if m == nil {
		return
	}
	m.FetchErrors.WithLabelValues(kind).Inc()
}

// SyncStarted increments the in-flight gauge and returns the matching decrement.
func (m *Metrics) SyncStarted() func() {
	if m == nil {
		return func() {}
	}
	m.SyncsInFlight.Inc()
	return m.SyncsInFlight.Dec
}

// LeaseReclaimed counts a watchdog reclaim.
func (m *Metrics) LeaseReclaimed() {
	if m == nil {
		return
	}
	m.LeasesReclaimed.Inc()
}

// ConnectionDisabled counts a threshold-triggered disable.
func (m *Metrics) ConnectionDisabled() {
	if m == nil {
		return
	}
	m.ConnectionsDisabled.Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
