package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.IncSessionTransition("login")
	m.IncSessionTransition("login")
	m.IncSessionTransition("forced")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionTransitionsTotal.WithLabelValues("login")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionTransitionsTotal.WithLabelValues("forced")))

	m.IncInvalidation(true)
	m.IncInvalidation(false)
	m.IncInvalidation(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionInvalidationsTotal.WithLabelValues("cleared")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionInvalidationsTotal.WithLabelValues("ignored")))

	m.IncCacheRequest("hit")
	m.IncCacheInvalidation("prefix")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheRequestsTotal.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheInvalidationsTotal.WithLabelValues("prefix")))

	m.IncRebuild()
	m.IncRealtimeRequest("query", "ok")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RealtimeRebuildsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RealtimeRequestsTotal.WithLabelValues("query", "ok")))

	m.IncNotification(false)
	m.IncNotification(true)
	m.SetUnread(3)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsReceivedTotal.WithLabelValues("duplicate")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.NotificationsUnread))

	m.ObserveHTTPRequest("GET", 200, 0.01)
	m.ObserveHTTPRequest("GET", 0, 0.5)
	m.SetBreakerState("api", 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("api")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncSessionTransition("login")
		m.IncInvalidation(true)
		m.IncCacheRequest("miss")
		m.IncCacheInvalidation("all")
		m.IncRebuild()
		m.IncRealtimeRequest("mutation", "error")
		m.IncNotification(true)
		m.SetUnread(1)
		m.ObserveHTTPRequest("POST", 500, 1)
		m.SetBreakerState("api", 0)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncRebuild()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "plansync_realtime_rebuilds_total 1"))
}
