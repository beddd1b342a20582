package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/2beens/offlinecache/internal/telemetry/metrics"

	"github.com/go-redis/redis_rate/v9"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeLimiter struct {
	allowed int
	err     error
	keys    []string
}

func (l *fakeLimiter) Allow(_ context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error) {
	l.keys = append(l.keys, key)
	if l.err != nil {
		return nil, l.err
	}
	if l.allowed > 0 {
		l.allowed--
		return &redis_rate.Result{Limit: limit, Allowed: 1, Remaining: l.allowed}, nil
	}
	return &redis_rate.Result{Limit: limit, Allowed: 0, RetryAfter: 1500 * time.Millisecond}, nil
}

func TestRateLimit(t *testing.T) {
	metricsManager := metrics.NewTestManager()
	limiter := &fakeLimiter{allowed: 1}
	handler := RateLimit(limiter, metricsManager, "update", 6)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
	)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/__sw/update", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/__sw/update", nil))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metricsManager.CounterRateLimitedRequests))

	limiter.err = errors.New("redis down")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/__sw/update", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	// httptest requests come from 192.0.2.1
	assert.Equal(t, []string{"update:192.0.2.1", "update:192.0.2.1", "update:192.0.2.1"}, limiter.keys)
}
