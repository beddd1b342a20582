package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Manager struct {
	// counters
	CounterRequests            *prometheus.CounterVec
	CounterHandleRequestPanic  prometheus.Counter
	CounterRateLimitedRequests prometheus.Counter
	CounterCacheLookups        *prometheus.CounterVec
	CounterNetworkFetches      *prometheus.CounterVec
	CounterFallbacks           *prometheus.CounterVec
	CounterCacheWrites         *prometheus.CounterVec
	CounterInstalls            *prometheus.CounterVec
	CounterActivations         prometheus.Counter
	CounterNamespacesDeleted   prometheus.Counter
	CounterBroadcasts          prometheus.Counter

	// gauges
	GaugeRequests   prometheus.Gauge
	GaugeLifeSignal prometheus.Gauge
	GaugeClients    prometheus.Gauge

	// histograms
	HistogramRequestDuration *prometheus.HistogramVec
	HistInstallDuration      prometheus.Histogram
}

func NewTestManager() *Manager {
	return NewManager("offline", "test_server", prometheus.NewRegistry())
}

func NewTestManagerAndRegistry() (*Manager, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewManager("offline", "test_server", reg), reg
}

func NewManager(namespace, subsystem string, reg prometheus.Registerer) *Manager {
	factory := promauto.With(reg)

	counterRequests := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "request",
		Help:      "The total number of incoming requests",
	}, []string{"method", "status"})
	counterHandleRequestPanic := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "handle_request_panic",
		Help:      "The total number of serve request panics",
	})
	counterRateLimitedRequests := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rate_limited_requests",
		Help:      "The total number of rate limited requests",
	})
	counterCacheLookups := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cache_lookups",
		Help:      "Cache lookups per strategy and result (hit/miss/error)",
	}, []string{"strategy", "result"})
	counterNetworkFetches := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "network_fetches",
		Help:      "Network fetches per strategy and outcome (ok/error)",
	}, []string{"strategy", "outcome"})
	counterFallbacks := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "fallbacks",
		Help:      "Synthesized offline responses per kind (html/plain)",
	}, []string{"kind"})
	counterCacheWrites := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cache_writes",
		Help:      "Runtime cache writes per result (ok/error/too_large/quota/suspended)",
	}, []string{"result"})
	counterInstalls := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "installs",
		Help:      "Install attempts per result",
	}, []string{"result"})
	counterActivations := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "activations",
		Help:      "The total number of activated versions",
	})
	counterNamespacesDeleted := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "namespaces_deleted",
		Help:      "Stale cache namespaces removed during activation",
	})
	counterBroadcasts := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "update_broadcasts",
		Help:      "Update messages broadcast to connected pages",
	})

	gaugeRequests := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "current_requests",
		Help:      "Current number of requests served",
	})
	gaugeLifeSignal := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "life_signal",
		Help:      "Shows whether the service is alive",
	})
	gaugeClients := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "connected_clients",
		Help:      "Pages currently connected for update notifications",
	})

	histogramRequestDuration := factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "request_duration_seconds",
		Help:      "Histogram of response time for requests in seconds",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"route", "method", "status_code"})
	histInstallDuration := factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "install_duration_seconds",
		Help:      "Duration of a single install (manifest pre-cache) in seconds",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})

	return &Manager{
		CounterRequests:            counterRequests,
		CounterHandleRequestPanic:  counterHandleRequestPanic,
		CounterRateLimitedRequests: counterRateLimitedRequests,
		CounterCacheLookups:        counterCacheLookups,
		CounterNetworkFetches:      counterNetworkFetches,
		CounterFallbacks:           counterFallbacks,
		CounterCacheWrites:         counterCacheWrites,
		CounterInstalls:            counterInstalls,
		CounterActivations:         counterActivations,
		CounterNamespacesDeleted:   counterNamespacesDeleted,
		CounterBroadcasts:          counterBroadcasts,
		GaugeRequests:              gaugeRequests,
		GaugeLifeSignal:            gaugeLifeSignal,
		GaugeClients:               gaugeClients,
		HistogramRequestDuration:   histogramRequestDuration,
		HistInstallDuration:        histInstallDuration,
	}
}
