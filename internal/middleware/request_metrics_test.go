package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/2beens/offlinecache/internal/telemetry/metrics"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRequestMetrics(t *testing.T) {
	metricsManager, reg := metrics.NewTestManagerAndRegistry()

	r := mux.NewRouter()
	r.Use(RequestMetrics(metricsManager))
	r.HandleFunc("/__sw/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Name("status")
	r.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for _, path := range []string{"/__sw/status", "/", "/logo.png"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(metricsManager.CounterRequests.WithLabelValues("GET", "200")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metricsManager.CounterRequests.WithLabelValues("GET", "503")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metricsManager.GaugeRequests))

	// one series per route, not per proxied path
	assert.Equal(t, 2, testutil.CollectAndCount(metricsManager.HistogramRequestDuration))

	families, err := reg.Gather()
	assert.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() != "offline_test_server_request_duration_seconds" {
			continue
		}
		found = true
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "route" {
					assert.Contains(t, []string{"status", routeProxy}, label.GetValue())
				}
			}
		}
	}
	assert.True(t, found)
}
