package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/2beens/offlinecache/internal/cache"
	"github.com/2beens/offlinecache/internal/classifier"
	"github.com/2beens/offlinecache/internal/clients"
	"github.com/2beens/offlinecache/internal/config"
	"github.com/2beens/offlinecache/internal/lifecycle"
	"github.com/2beens/offlinecache/internal/middleware"
	"github.com/2beens/offlinecache/internal/network"
	"github.com/2beens/offlinecache/internal/proxy"
	"github.com/2beens/offlinecache/internal/strategy"
	"github.com/2beens/offlinecache/internal/telemetry/metrics"
	"github.com/2beens/offlinecache/internal/telemetry/tracing"
	"github.com/2beens/offlinecache/pkg"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/extra/redisotel/v8"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

const maxMessageBytes = 4 * 1024

type Server struct {
	httpServer        *http.Server
	metricsHttpServer *http.Server
	versionInfo       string

	config      *config.Config
	redisClient *redis.Client // nil with the memory backend
	caches      *cache.Caches
	engine      *strategy.Engine
	controller  *lifecycle.Controller
	updater     *lifecycle.Updater
	hub         *clients.Hub
	proxy       *proxy.Handler
	controlAuth *middleware.ControlAuth

	updaterCancel context.CancelFunc
	updaterDone   chan struct{}

	// metrics
	metricsManager *metrics.Manager
	promRegistry   *prometheus.Registry
	otelShutdown   func()
}

type NewServerParams struct {
	Config                  *config.Config
	VersionInfo             string
	RedisPassword           string
	ControlToken            string
	HoneycombTracingEnabled bool
	// UpstreamClient is optional; its transport is used for fetches and
	// pass-through. A traced client is used when nil.
	UpstreamClient *http.Client
}

func NewServer(
	ctx context.Context,
	params NewServerParams,
) (_ *Server, err error) {
	cfg := params.Config
	appOrigin, err := cfg.AppOriginURL()
	if err != nil {
		return nil, err
	}
	upstream, err := cfg.Upstream()
	if err != nil {
		return nil, err
	}

	// use honeycomb distro to setup OpenTelemetry SDK
	otelShutdown, err := tracing.HoneycombSetup(params.HoneycombTracingEnabled, "offline-cache")
	if err != nil {
		return nil, err
	}

	var (
		storage         cache.Storage
		releaseStore    lifecycle.ReleaseStore
		rdb             *redis.Client
		extraCollectors []prometheus.Collector
	)
	switch cfg.CacheBackend {
	case config.BackendRedis:
		rdb = redis.NewClient(&redis.Options{
			Addr:     net.JoinHostPort(cfg.RedisHost, cfg.RedisPort),
			Password: params.RedisPassword,
			DB:       0, // use default DB
		})
		rdb.AddHook(redisotel.NewTracingHook())

		rdbStatus := rdb.Ping(ctx)
		if err := rdbStatus.Err(); err != nil {
			log.Errorf("--> failed to ping redis: %s", err)
		} else {
			log.Debugf("redis ping: %s", rdbStatus.Val())
		}
		readCache := cache.NewReadCache(
			cache.NewRedisStorage(rdb, cfg.RedisPrefix),
			cfg.RedisReadCacheMB<<20,
			cfg.RedisReadCacheTTL(),
		)
		extraCollectors = append(extraCollectors, storageStatsCollector("read_cache", readCache.Stats))
		storage = readCache
		releaseStore = lifecycle.NewRedisReleaseStore(rdb, cfg.RedisPrefix)
	default:
		memoryStorage := cache.NewMemoryStorage(cfg.MemoryCacheSizeMB << 20)
		extraCollectors = append(extraCollectors, storageStatsCollector("storage", memoryStorage.Stats))
		storage = memoryStorage
	}
	defer func() {
		if err == nil {
			return
		}
		otelShutdown()
		if rdb != nil {
			_ = rdb.Close()
		}
	}()
	log.Debugf("using [%s] cache backend", cfg.CacheBackend)

	promRegistry := metrics.SetupPrometheus(extraCollectors...)
	metricsManager := metrics.NewManager("offline", "cache", promRegistry)
	metricsManager.GaugeLifeSignal.Set(0) // set to 1 once serving

	var upstreamTransport http.RoundTripper
	if params.UpstreamClient != nil {
		upstreamTransport = params.UpstreamClient.Transport
	}

	caches := cache.NewCaches(storage)
	resourceClassifier := classifier.New(classifier.Params{
		AppOrigin:        appOrigin,
		StaticExtensions: cfg.StaticExtensions,
		CacheableHosts:   cfg.CacheableHosts,
	})

	fetcher, err := network.NewFetcher(network.Params{
		HttpClient:   params.UpstreamClient,
		Upstream:     upstream,
		Classifier:   resourceClassifier,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("new fetcher: %w", err)
	}

	fallbacks, err := strategy.NewFallbacks(strategy.FallbackPolicy{
		Navigation: strategy.NavigationFallback(cfg.NavigationFallback),
		HTMLStatus: cfg.OfflineHTMLStatus,
		Lang:       cfg.OfflineLang,
	})
	if err != nil {
		return nil, fmt.Errorf("new fallbacks: %w", err)
	}

	engine, err := strategy.NewEngine(strategy.Params{
		Caches:         caches,
		Classifier:     resourceClassifier,
		Fetcher:        fetcher,
		Fallbacks:      fallbacks,
		NetworkTimeout: cfg.NetworkTimeout(),
		MetricsManager: metricsManager,
	})
	if err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}

	hub := clients.NewHub(metricsManager)
	controller, err := lifecycle.NewController(lifecycle.Params{
		Caches:         caches,
		Fetcher:        fetcher,
		Clients:        hub,
		AppOrigin:      appOrigin,
		MetricsManager: metricsManager,
		AfterActivate: func(_ *lifecycle.GenerationInfo) {
			// a new generation gets a fresh chance at the quota
			engine.ResumeCaching()
		},
		ReleaseStore:   releaseStore,
		InstallTimeout: cfg.InstallTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("new lifecycle controller: %w", err)
	}
	// serve what survived the last run even if the upstream is down now
	if _, err := controller.Restore(ctx); err != nil {
		log.Errorf("restore active release: %s", err)
	}
	hub.SetMessageHandler(controller.HandleMessage)

	prefix := cfg.ControlPrefix
	controlAuth := middleware.NewControlAuth(
		params.ControlToken,
		// page facing
		prefix+"/status",
		prefix+"/message",
		prefix+"/clients",
	)
	if !controlAuth.Enabled() {
		log.Warnln("control token not set, update endpoint is not protected")
	}

	return &Server{
		config:      cfg,
		versionInfo: params.VersionInfo,
		redisClient: rdb,
		caches:      caches,
		engine:      engine,
		controller:  controller,
		updater: lifecycle.NewUpdater(
			controller,
			lifecycle.NewReleaseFileSource(cfg.ReleaseFile),
			cfg.UpdateCheckInterval(),
		),
		hub: hub,
		proxy: proxy.NewHandler(proxy.Params{
			Engine:     engine,
			Namespaces: controller,
			AppOrigin:  appOrigin,
			Upstream:   upstream,
			Transport:  upstreamTransport,
		}),
		controlAuth: controlAuth,

		// telemetry
		metricsManager: metricsManager,
		promRegistry:   promRegistry,
		otelShutdown:   otelShutdown,
	}, nil
}

func (s *Server) routerSetup() *mux.Router {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("offline-cache-router"))

	control := r.PathPrefix(s.config.ControlPrefix).Subrouter()
	control.HandleFunc("/status", s.handleStatus).Methods("GET").Name("status")
	control.Handle("/update", s.updateHandler()).Methods("POST").Name("update")
	control.HandleFunc("/message", s.handleMessage).Methods("POST").Name("message")
	control.Handle("/clients", s.hub).Methods("GET").Name("clients")
	control.NotFoundHandler = http.HandlerFunc(http.NotFound)
	control.Use(s.controlAuth.AuthCheck())

	// all the rest belongs to the app
	r.PathPrefix("/").Handler(s.proxy).Name("proxy")

	r.Use(middleware.PanicRecovery(s.metricsManager))
	r.Use(middleware.LogRequest())
	r.Use(middleware.RequestMetrics(s.metricsManager))
	r.Use(middleware.DrainAndCloseRequest())

	return r
}

func (s *Server) updateHandler() http.Handler {
	var handler http.Handler = http.HandlerFunc(s.handleUpdate)
	if s.redisClient == nil {
		return handler
	}
	reqRateLimiter := redis_rate.NewLimiter(s.redisClient)
	return middleware.RateLimit(reqRateLimiter, s.metricsManager, "update", s.config.UpdateRateLimitPerMin)(handler)
}

type statusResponse struct {
	VersionInfo      string           `json:"version_info,omitempty"`
	Generations      lifecycle.Status `json:"generations"`
	Namespaces       []string         `json:"namespaces"`
	CachingSuspended bool             `json:"caching_suspended"`
	ControlledBy     map[string]int   `json:"controlled_by"`
}

func (s *Server) status(ctx context.Context) (statusResponse, error) {
	namespaces, err := s.caches.Namespaces(ctx)
	if err != nil {
		return statusResponse{}, fmt.Errorf("list namespaces: %w", err)
	}
	return statusResponse{
		VersionInfo:      s.versionInfo,
		Generations:      s.controller.Status(),
		Namespaces:       namespaces,
		CachingSuspended: s.engine.CachingSuspended(),
		ControlledBy:     s.hub.ControlledBy(),
	}, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.status(r.Context())
	if err != nil {
		log.Errorf("status: %s", err)
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	pkg.WriteJSONResponseOK(w, status)
}

type updateResponse struct {
	Installed bool             `json:"installed"`
	Status    lifecycle.Status `json:"status"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	// an install outlives the operator's connection
	installed, err := s.updater.Check(context.WithoutCancel(r.Context()))
	if err != nil {
		log.Errorf("update check: %s", err)
		if errors.Is(err, cache.ErrManifestFetch) {
			http.Error(w, "manifest fetch failed", http.StatusBadGateway)
			return
		}
		http.Error(w, "update check failed", http.StatusInternalServerError)
		return
	}

	pkg.WriteJSONResponseOK(w, updateResponse{
		Installed: installed,
		Status:    s.controller.Status(),
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg lifecycle.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&msg); err != nil {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}

	if err := s.controller.HandleMessage(context.WithoutCancel(r.Context()), msg); err != nil {
		if errors.Is(err, lifecycle.ErrUnknownMessage) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Errorf("handle message [%s]: %s", msg.Type, err)
		http.Error(w, "message failed", http.StatusInternalServerError)
		return
	}

	pkg.WriteJSONResponseOK(w, s.controller.Status())
}

func (s *Server) Serve(ctx context.Context, host string, port int) {
	router := s.routerSetup()

	ipAndPort := net.JoinHostPort(host, strconv.Itoa(port))
	s.httpServer = &http.Server{
		Handler:      router,
		Addr:         ipAndPort,
		WriteTimeout: time.Minute,
		ReadTimeout:  time.Minute,
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.InstrumentMetricHandler(
		s.promRegistry,
		promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}),
	))
	metricsAddr := net.JoinHostPort(s.config.PrometheusMetricsHost, s.config.PrometheusMetricsPort)
	s.metricsHttpServer = &http.Server{
		Addr:    metricsAddr,
		Handler: metricsRouter,
	}

	go func() {
		log.Infof(" > server listening on: [%s]", ipAndPort)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("main service, listen and serve: %s", err)
		}
	}()

	go func() {
		log.Debugf(" > metrics listening on: [%s]", metricsAddr)
		err := s.metricsHttpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("metrics service, listen and serve: %s", err)
		}
	}()

	s.startUpdater(ctx)
	s.metricsManager.GaugeLifeSignal.Set(1)
}

// startUpdater installs the release from the release file right away and
// keeps polling it.
func (s *Server) startUpdater(ctx context.Context) {
	updaterCtx, cancel := context.WithCancel(ctx)
	s.updaterCancel = cancel
	s.updaterDone = make(chan struct{})
	go func() {
		defer close(s.updaterDone)
		s.updater.Run(updaterCtx)
	}()
}

func (s *Server) stopUpdater() {
	if s.updaterCancel == nil {
		return
	}
	s.updaterCancel()
	<-s.updaterDone
	log.Debugln("updater stopped")
}

func (s *Server) GracefulShutdown() {
	log.Debug("graceful shutdown initiated ...")

	s.metricsManager.GaugeLifeSignal.Set(0)

	s.stopUpdater()

	// hijacked websocket connections are not tracked by http.Server
	s.hub.Close()

	maxWaitDuration := time.Second * 15
	ctx, timeoutCancel := context.WithTimeout(context.Background(), maxWaitDuration)
	defer timeoutCancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Error(" >>> failed to gracefully shutdown http server")
		}
		log.Warnln("server shut down")
	}

	if s.metricsHttpServer != nil {
		if err := s.metricsHttpServer.Shutdown(ctx); err != nil {
			log.Error(" >>> failed to gracefully shutdown metrics http server")
		}
		log.Warnln("metrics server shut down")
	}

	s.otelShutdown()
	log.Trace("otel shut down ...")

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			log.Errorf("failed to close redis client conn: %s", err)
		}
	}

	if ok := sentry.Flush(5 * time.Second); ok {
		log.Debugf("sentry flush ok: %t", ok)
	}
}

func storageStatsCollector(subsystem string, stats func() cache.StorageStats) prometheus.Collector {
	return metrics.NewStorageStatsCollector("offline", subsystem, func() metrics.StorageStats {
		s := stats()
		return metrics.StorageStats{
			Entries:       s.Entries,
			UsedBytes:     s.UsedBytes,
			CapacityBytes: s.CapacityBytes,
			Evacuated:     s.Evacuated,
			HitRate:       s.HitRate,
		}
	})
}
