package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/2beens/offlinecache/internal/cache"
	"github.com/2beens/offlinecache/internal/classifier"
	"github.com/2beens/offlinecache/internal/resource"
	"github.com/2beens/offlinecache/internal/telemetry/metrics"
	"github.com/2beens/offlinecache/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultNetworkTimeout = 10 * time.Second

	strategyNetworkFirst = "network_first"
	strategyCacheFirst   = "cache_first"
	strategyNetworkOnly  = "network_only"
)

// Engine answers intercepted requests: network-first for documents,
// cache-first for static assets, synthesized responses when both fail.
type Engine struct {
	caches         *cache.Caches
	classifier     *classifier.Classifier
	fetcher        resource.Fetcher
	fallbacks      *Fallbacks
	networkTimeout time.Duration
	metricsManager *metrics.Manager

	// set after a quota error, cleared on the next activation
	cachingSuspended atomic.Bool
}

type Params struct {
	Caches         *cache.Caches
	Classifier     *classifier.Classifier
	Fetcher        resource.Fetcher
	Fallbacks      *Fallbacks
	NetworkTimeout time.Duration
	MetricsManager *metrics.Manager
}

func NewEngine(params Params) (*Engine, error) {
	if params.Caches == nil {
		return nil, errors.New("caches cannot be nil")
	}
	if params.Classifier == nil {
		return nil, errors.New("classifier cannot be nil")
	}
	if params.Fetcher == nil {
		return nil, errors.New("fetcher cannot be nil")
	}
	if params.Fallbacks == nil {
		return nil, errors.New("fallbacks cannot be nil")
	}
	if params.MetricsManager == nil {
		return nil, errors.New("metrics manager cannot be nil")
	}

	timeout := params.NetworkTimeout
	if timeout <= 0 {
		timeout = DefaultNetworkTimeout
	}

	return &Engine{
		caches:         params.Caches,
		classifier:     params.Classifier,
		fetcher:        params.Fetcher,
		fallbacks:      params.Fallbacks,
		networkTimeout: timeout,
		metricsManager: params.MetricsManager,
	}, nil
}

// Respond produces the response for an intercepted request. It never fails:
// every branch ends in a live, cached or synthesized response. A false second
// value means the request was declined and must go to the network untouched.
func (e *Engine) Respond(ctx context.Context, req *resource.Request, ns classifier.Namespaces) (*resource.Response, bool) {
	// classification happens before anything that could block
	route := e.classifier.Route(req, ns)
	if route.Class == classifier.CrossOrigin {
		return nil, false
	}

	ctx, span := tracing.GlobalTracer.Start(ctx, "engine.respond")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.url", req.Key()),
		attribute.String("request.class", route.Class.String()),
	)

	var resp *resource.Response
	switch {
	case !req.IsGet():
		resp = e.networkOnly(ctx, req)
	case route.Class == classifier.Document:
		resp = e.networkFirst(ctx, req, route.Namespace)
	default:
		// unclassified requests get no namespace, so they are never persisted
		resp = e.cacheFirst(ctx, req, route.Namespace)
	}

	span.SetAttributes(attribute.Int("response.status", resp.StatusCode))
	return resp, true
}

func (e *Engine) networkFirst(ctx context.Context, req *resource.Request, namespace string) *resource.Response {
	resp, err := e.fetch(ctx, req, strategyNetworkFirst)
	if err == nil {
		if resp.OK() {
			e.store(ctx, namespace, req, resp)
		}
		return resp
	}
	log.Debugf("engine: network failed for document [%s]: %s", req.Key(), err)

	if cached, found := e.lookup(ctx, req, strategyNetworkFirst); found {
		return cached
	}

	fallback := e.fallbacks.Document(req)
	e.countFallback(fallback)
	return fallback
}

func (e *Engine) cacheFirst(ctx context.Context, req *resource.Request, namespace string) *resource.Response {
	if cached, found := e.lookup(ctx, req, strategyCacheFirst); found {
		return cached
	}

	resp, err := e.fetch(ctx, req, strategyCacheFirst)
	if err != nil {
		log.Debugf("engine: network failed for asset [%s]: %s", req.Key(), err)
		fallback := e.fallbacks.Plain(req)
		e.countFallback(fallback)
		return fallback
	}

	// foreign responses are served but never stored at runtime, even from
	// cacheable hosts; those reach the cache only through the manifest
	if namespace != "" && resp.OK() && resp.Type == resource.ResponseTypeBasic {
		e.store(ctx, namespace, req, resp)
	}
	return resp
}

func (e *Engine) networkOnly(ctx context.Context, req *resource.Request) *resource.Response {
	resp, err := e.fetch(ctx, req, strategyNetworkOnly)
	if err != nil {
		log.Debugf("engine: network failed for %s [%s]: %s", req.Method, req.Key(), err)
		fallback := e.fallbacks.Plain(req)
		e.countFallback(fallback)
		return fallback
	}
	return resp
}

func (e *Engine) fetch(ctx context.Context, req *resource.Request, strategy string) (*resource.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.networkTimeout)
	defer cancel()

	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("no response")
	}
	if err != nil {
		e.metricsManager.CounterNetworkFetches.WithLabelValues(strategy, "error").Inc()
		return nil, fmt.Errorf("fetch %s: %w", req.Key(), err)
	}
	e.metricsManager.CounterNetworkFetches.WithLabelValues(strategy, "ok").Inc()
	return resp, nil
}

// lookup treats read errors as misses.
func (e *Engine) lookup(ctx context.Context, req *resource.Request, strategy string) (*resource.Response, bool) {
	if !req.IsGet() {
		return nil, false
	}
	resp, found, err := e.caches.Match(ctx, req.Key())
	if err != nil {
		log.Errorf("engine: cache lookup [%s]: %s", req.Key(), err)
		e.metricsManager.CounterCacheLookups.WithLabelValues(strategy, "error").Inc()
		return nil, false
	}
	if !found {
		e.metricsManager.CounterCacheLookups.WithLabelValues(strategy, "miss").Inc()
		return nil, false
	}
	e.metricsManager.CounterCacheLookups.WithLabelValues(strategy, "hit").Inc()
	log.Tracef("engine: serving [%s] from cache", req.Key())
	return resp, true
}

func (e *Engine) store(ctx context.Context, namespace string, req *resource.Request, resp *resource.Response) {
	if namespace == "" {
		return
	}
	if e.cachingSuspended.Load() {
		e.metricsManager.CounterCacheWrites.WithLabelValues("suspended").Inc()
		return
	}

	store, err := e.caches.Open(ctx, namespace)
	if err == nil {
		err = store.Put(ctx, req, resp)
	}

	switch {
	case err == nil:
		e.metricsManager.CounterCacheWrites.WithLabelValues("ok").Inc()
	case errors.Is(err, cache.ErrQuotaExceeded):
		if !e.cachingSuspended.Swap(true) {
			log.Warnf("engine: cache quota exceeded, caching suspended until next activation: %s", err)
		}
		e.metricsManager.CounterCacheWrites.WithLabelValues("quota").Inc()
	case errors.Is(err, cache.ErrEntryTooLarge):
		log.Debugf("engine: not caching [%s]: %s", req.Key(), err)
		e.metricsManager.CounterCacheWrites.WithLabelValues("too_large").Inc()
	default:
		log.Errorf("engine: cache write [%s] into [%s]: %s", req.Key(), namespace, err)
		e.metricsManager.CounterCacheWrites.WithLabelValues("error").Inc()
	}
}

func (e *Engine) countFallback(resp *resource.Response) {
	kind := "plain"
	if resp.Header.Get("Content-Type") == contentTypeHTML {
		kind = "html"
	}
	e.metricsManager.CounterFallbacks.WithLabelValues(kind).Inc()
}

func (e *Engine) CachingSuspended() bool {
	return e.cachingSuspended.Load()
}

// ResumeCaching re-enables cache writes after a quota suspension.
func (e *Engine) ResumeCaching() {
	if e.cachingSuspended.Swap(false) {
		log.Println("engine: cache writes resumed")
	}
}
