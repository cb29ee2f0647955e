// Package metrics exposes Prometheus collectors for the client subsystem.
//
// Every Inc/Observe/Set helper is safe on a nil *Metrics so that components
// can be built without instrumentation.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "plansync"

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics.
	SessionTransitionsTotal   *prometheus.CounterVec
	SessionInvalidationsTotal *prometheus.CounterVec

	// Query cache metrics.
	CacheRequestsTotal      *prometheus.CounterVec
	CacheInvalidationsTotal *prometheus.CounterVec

	// Realtime metrics.
	RealtimeRebuildsTotal prometheus.Counter
	RealtimeRequestsTotal *prometheus.CounterVec

	// Notification metrics.
	NotificationsReceivedTotal *prometheus.CounterVec
	NotificationsUnread        prometheus.Gauge

	// HTTP client metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	BreakerState        *prometheus.GaugeVec
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		SessionTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session changes by cause.",
		}, []string{"cause"}),
		SessionInvalidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "invalidations_total",
			Help:      "Forced invalidation requests by outcome.",
		}, []string{"outcome"}),

		CacheRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Query cache lookups by result.",
		}, []string{"result"}),
		CacheInvalidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Query cache invalidations by kind.",
		}, []string{"kind"}),

		RealtimeRebuildsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "rebuilds_total",
			Help:      "Realtime transport rebuilds.",
		}),
		RealtimeRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "requests_total",
			Help:      "Realtime operations by kind and outcome.",
		}, []string{"kind", "outcome"}),

		NotificationsReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "received_total",
			Help:      "Notifications received, split into new and duplicate.",
		}, []string{"result"}),
		NotificationsUnread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "unread",
			Help:      "Current unread notification count.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Outbound HTTP requests.",
		}, []string{"method", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Outbound HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http_client",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.SessionTransitionsTotal,
		m.SessionInvalidationsTotal,
		m.CacheRequestsTotal,
		m.CacheInvalidationsTotal,
		m.RealtimeRebuildsTotal,
		m.RealtimeRequestsTotal,
		m.NotificationsReceivedTotal,
		m.NotificationsUnread,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.BreakerState,
	)
	reg.MustRegister(collectors.NewGoCollector())

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncSessionTransition counts a session change.
func (m *Metrics) IncSessionTransition(cause string) {
	if m == nil {
		return
	}
	m.SessionTransitionsTotal.WithLabelValues(cause).Inc()
}

// IncInvalidation counts a forced invalidation. applied reports whether the
// store was actually cleared.
func (m *Metrics) IncInvalidation(applied bool) {
	if m == nil {
		return
	}
	outcome := "ignored"
	if applied {
		outcome = "cleared"
	}
	m.SessionInvalidationsTotal.WithLabelValues(outcome).Inc()
}

// IncCacheRequest counts a cache lookup: hit, miss, shared or stale.
func (m *Metrics) IncCacheRequest(result string) {
	if m == nil {
		return
	}
	m.CacheRequestsTotal.WithLabelValues(result).Inc()
}

// IncCacheInvalidation counts an invalidation: key, prefix or all.
func (m *Metrics) IncCacheInvalidation(kind string) {
	if m == nil {
		return
	}
	m.CacheInvalidationsTotal.WithLabelValues(kind).Inc()
}

// IncRebuild counts a realtime transport rebuild.
func (m *Metrics) IncRebuild() {
	if m == nil {
		return
	}
	m.RealtimeRebuildsTotal.Inc()
}

// IncRealtimeRequest counts a realtime query, mutation or subscription.
func (m *Metrics) IncRealtimeRequest(kind, outcome string) {
	if m == nil {
		return
	}
	m.RealtimeRequestsTotal.WithLabelValues(kind, outcome).Inc()
}

// IncNotification counts a received notification. duplicate is true when the
// id was already in the inbox.
func (m *Metrics) IncNotification(duplicate bool) {
	if m == nil {
		return
	}
	result := "new"
	if duplicate {
		result = "duplicate"
	}
	m.NotificationsReceivedTotal.WithLabelValues(result).Inc()
}

// SetUnread sets the unread gauge.
func (m *Metrics) SetUnread(n int) {
	if m == nil {
		return
	}
	m.NotificationsUnread.Set(float64(n))
}

// ObserveHTTPRequest records an outbound request. status 0 means the request
// never got a response.
func (m *Metrics) ObserveHTTPRequest(method string, status int, seconds float64) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.HTTPRequestsTotal.WithLabelValues(method, label).Inc()
	m.HTTPRequestDuration.WithLabelValues(method).Observe(seconds)
}

// SetBreakerState records a circuit breaker state.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}
