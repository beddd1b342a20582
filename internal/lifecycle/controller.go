package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/2beens/offlinecache/internal/cache"
	"github.com/2beens/offlinecache/internal/classifier"
	"github.com/2beens/offlinecache/internal/resource"
	"github.com/2beens/offlinecache/internal/telemetry/metrics"
	"github.com/2beens/offlinecache/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageUpdated     = "SW_UPDATED"
)

var (
	ErrInstallInProgress = errors.New("another install is in progress")
	ErrAlreadyInstalled  = errors.New("version already installed")
	ErrNothingWaiting    = errors.New("no installed version is waiting")
	ErrUnknownMessage    = errors.New("unknown message type")
)

const DefaultInstallTimeout = 2 * time.Minute

// Message is exchanged with controlled pages.
type Message struct {
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
}

// ClientRegistry is the set of pages currently connected to the controller.
type ClientRegistry interface {
	// Claim makes every connected page controlled by the version and reports how many changed.
	Claim(ctx context.Context, version string) (int, error)
	// Broadcast sends msg to every connected page and reports how many received it.
	Broadcast(ctx context.Context, msg Message) (int, error)
	Count() int
}

// Controller drives install, activation and update propagation.
type Controller struct {
	mu sync.Mutex

	caches         *cache.Caches
	fetcher        resource.Fetcher
	clients        ClientRegistry
	appOrigin      *url.URL
	metricsManager *metrics.Manager
	afterActivate  func(info *GenerationInfo)
	releaseStore   ReleaseStore
	installTimeout time.Duration
	now            func() time.Time

	active     *Generation
	waiting    *Generation
	installing *Generation
	// SKIP_WAITING received while an install was still running
	skipWaitingRequested bool
}

type Params struct {
	Caches         *cache.Caches
	Fetcher        resource.Fetcher
	Clients        ClientRegistry
	AppOrigin      *url.URL
	MetricsManager *metrics.Manager
	// AfterActivate runs once the new generation serves pages, before the broadcast.
	AfterActivate func(info *GenerationInfo)
	// ReleaseStore is optional; without it nothing survives a restart.
	ReleaseStore ReleaseStore
	// InstallTimeout bounds fetching and storing one manifest.
	InstallTimeout time.Duration
}

func NewController(params Params) (*Controller, error) {
	if params.Caches == nil {
		return nil, errors.New("caches cannot be nil")
	}
	if params.Fetcher == nil {
		return nil, errors.New("fetcher cannot be nil")
	}
	if params.Clients == nil {
		return nil, errors.New("client registry cannot be nil")
	}
	if params.AppOrigin == nil || params.AppOrigin.Host == "" {
		return nil, errors.New("app origin must be absolute")
	}
	if params.MetricsManager == nil {
		return nil, errors.New("metrics manager cannot be nil")
	}

	installTimeout := params.InstallTimeout
	if installTimeout <= 0 {
		installTimeout = DefaultInstallTimeout
	}

	return &Controller{
		caches:         params.Caches,
		fetcher:        params.Fetcher,
		clients:        params.Clients,
		appOrigin:      params.AppOrigin,
		metricsManager: params.MetricsManager,
		afterActivate:  params.AfterActivate,
		releaseStore:   params.ReleaseStore,
		installTimeout: installTimeout,
		now:            time.Now,
	}, nil
}

// Install pre-caches the manifest of config into its namespace. Any failing
// manifest entry discards the new version and leaves the active one serving.
func (c *Controller) Install(ctx context.Context, config Config) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "controller.install")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(attribute.String("release.version", config.Version))

	if err := config.Validate(); err != nil {
		c.metricsManager.CounterInstalls.WithLabelValues("invalid").Inc()
		return fmt.Errorf("invalid release: %w", err)
	}

	c.mu.Lock()
	if c.installing != nil {
		inProgress := c.installing.config.Version
		c.mu.Unlock()
		c.metricsManager.CounterInstalls.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: %s", ErrInstallInProgress, inProgress)
	}
	for _, g := range []*Generation{c.active, c.waiting} {
		if g != nil && g.config.sameRelease(config) {
			c.mu.Unlock()
			c.metricsManager.CounterInstalls.WithLabelValues("rejected").Inc()
			return fmt.Errorf("%w: %s", ErrAlreadyInstalled, config.Version)
		}
	}
	gen := newGeneration(config)
	c.installing = gen
	c.skipWaitingRequested = false
	c.mu.Unlock()

	log.Printf("lifecycle: installing version [%s] into [%s]", config.Version, config.CacheName())
	start := time.Now()

	populateCtx, cancel := context.WithTimeout(ctx, c.installTimeout)
	err = c.populate(populateCtx, gen)
	cancel()
	if err != nil {
		c.mu.Lock()
		c.installing = nil
		gen.state = StateRedundant
		c.mu.Unlock()

		c.metricsManager.CounterInstalls.WithLabelValues("failed").Inc()
		log.Errorf("lifecycle: install of version [%s] failed: %s", config.Version, err)
		return fmt.Errorf("install %s: %w", config.Version, err)
	}

	c.metricsManager.HistInstallDuration.Observe(time.Since(start).Seconds())
	c.metricsManager.CounterInstalls.WithLabelValues("ok").Inc()

	c.mu.Lock()
	c.installing = nil
	gen.state = StateInstalled
	gen.installedAt = c.now()
	if c.waiting != nil {
		log.Debugf("lifecycle: waiting version [%s] superseded by [%s]", c.waiting.config.Version, config.Version)
		c.waiting.state = StateRedundant
	}
	c.waiting = gen
	activateNow := c.active == nil || config.SkipWaiting || c.skipWaitingRequested
	c.skipWaitingRequested = false
	c.mu.Unlock()

	log.Printf("lifecycle: version [%s] installed", config.Version)

	if !activateNow {
		log.Printf("lifecycle: version [%s] waiting for activation", config.Version)
		return nil
	}

	if err := c.Activate(ctx); err != nil && !errors.Is(err, ErrNothingWaiting) {
		return err
	}
	return nil
}

// populate fills the document namespace with the manifest and opens the
// static one. A document namespace created here is removed again on failure.
func (c *Controller) populate(ctx context.Context, gen *Generation) error {
	config := gen.config

	urls, err := resolveManifest(c.appOrigin, config.Manifest)
	if err != nil {
		return err
	}

	existed, err := c.caches.Has(ctx, config.CacheName())
	if err != nil {
		return fmt.Errorf("check namespace: %w", err)
	}

	store, err := c.caches.Open(ctx, config.CacheName())
	if err != nil {
		return err
	}

	if err := store.AddAll(ctx, c.fetcher, urls); err != nil {
		if !existed {
			// ctx may be the one that just expired
			if _, delErr := c.caches.Delete(context.WithoutCancel(ctx), config.CacheName()); delErr != nil {
				log.Errorf("lifecycle: remove namespace [%s] of failed install: %s", config.CacheName(), delErr)
			}
		}
		return err
	}

	if _, err := c.caches.Open(ctx, config.StaticCacheName()); err != nil {
		return err
	}
	return nil
}

// Activate makes the waiting generation the active one: stale namespaces
// are removed while pages are claimed, then every page is told to reload.
// Cleanup and claim failures are logged and never fail the activation.
func (c *Controller) Activate(ctx context.Context) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "controller.activate")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	c.mu.Lock()
	gen := c.waiting
	if gen == nil {
		c.mu.Unlock()
		return ErrNothingWaiting
	}
	c.waiting = nil
	gen.state = StateActivating

	keep := map[string]bool{
		gen.config.CacheName():       true,
		gen.config.StaticCacheName(): true,
	}
	if c.installing != nil {
		keep[c.installing.config.CacheName()] = true
		keep[c.installing.config.StaticCacheName()] = true
	}

	// the snapshot is taken under the lock, so an install starting later
	// creates its namespaces after it and is never collected
	snapshot, snapshotErr := c.caches.Namespaces(ctx)
	c.mu.Unlock()

	version := gen.config.Version
	span.SetAttributes(attribute.String("release.version", version))
	log.Printf("lifecycle: activating version [%s]", version)

	var g errgroup.Group
	g.Go(func() error {
		if snapshotErr != nil {
			return fmt.Errorf("list namespaces: %w", snapshotErr)
		}
		return c.deleteStale(ctx, snapshot, keep)
	})
	g.Go(func() error {
		claimed, err := c.clients.Claim(ctx, version)
		if err != nil {
			return fmt.Errorf("claim clients: %w", err)
		}
		log.Debugf("lifecycle: %d clients claimed by [%s]", claimed, version)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Errorf("lifecycle: activation of [%s] finished with errors: %s", version, err)
	}

	c.mu.Lock()
	if c.active != nil {
		c.active.state = StateRedundant
	}
	gen.state = StateActivated
	gen.activatedAt = c.now()
	c.active = gen
	info := gen.info()
	c.mu.Unlock()

	c.metricsManager.CounterActivations.Inc()

	if c.releaseStore != nil {
		if err := c.releaseStore.SaveActive(ctx, gen.config); err != nil {
			log.Errorf("lifecycle: remember active version [%s]: %s", version, err)
		}
	}

	if c.afterActivate != nil {
		c.afterActivate(info)
	}

	received, err := c.clients.Broadcast(ctx, Message{Type: MessageUpdated, Version: version})
	if err != nil {
		log.Errorf("lifecycle: broadcast update of [%s]: %s", version, err)
	} else {
		c.metricsManager.CounterBroadcasts.Inc()
		log.Printf("lifecycle: version [%s] active, %d clients notified", version, received)
	}

	return nil
}

// Restore adopts the last activated release when its namespaces are still
// in the cache, without fetching anything. Pages are not notified: nothing
// they run changed.
func (c *Controller) Restore(ctx context.Context) (bool, error) {
	if c.releaseStore == nil {
		return false, nil
	}

	release, found, err := c.releaseStore.LoadActive(ctx)
	if err != nil {
		return false, fmt.Errorf("load active release: %w", err)
	}
	if !found {
		return false, nil
	}

	has, err := c.caches.Has(ctx, release.CacheName())
	if err != nil {
		return false, fmt.Errorf("check namespace: %w", err)
	}
	if !has {
		log.Warnf("lifecycle: namespace [%s] of stored version [%s] is gone, not restoring", release.CacheName(), release.Version)
		return false, nil
	}
	if _, err := c.caches.Open(ctx, release.StaticCacheName()); err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.active != nil || c.installing != nil {
		c.mu.Unlock()
		return false, nil
	}
	gen := newGeneration(release)
	gen.state = StateActivated
	gen.activatedAt = c.now()
	c.active = gen
	info := gen.info()
	c.mu.Unlock()

	if c.afterActivate != nil {
		c.afterActivate(info)
	}
	log.Printf("lifecycle: restored active version [%s] from [%s]", release.Version, release.CacheName())
	return true, nil
}

func (c *Controller) deleteStale(ctx context.Context, snapshot []string, keep map[string]bool) error {
	var combinedErr error
	for _, ns := range snapshot {
		if keep[ns] {
			continue
		}
		deleted, err := c.caches.Delete(ctx, ns)
		if err != nil {
			combinedErr = multierr.Append(combinedErr, fmt.Errorf("delete namespace %s: %w", ns, err))
			continue
		}
		if deleted {
			c.metricsManager.CounterNamespacesDeleted.Inc()
			log.Printf("lifecycle: deleted stale namespace [%s]", ns)
		}
	}
	return combinedErr
}

// SkipWaiting activates the waiting generation now. When an install is
// still running, activation follows as soon as it succeeds.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.waiting != nil:
		c.mu.Unlock()
		return c.Activate(ctx)
	case c.installing != nil:
		c.skipWaitingRequested = true
		version := c.installing.config.Version
		c.mu.Unlock()
		log.Debugf("lifecycle: skip waiting requested during install of [%s]", version)
		return nil
	default:
		c.mu.Unlock()
		log.Debugf("lifecycle: skip waiting ignored, nothing waiting")
		return nil
	}
}

func (c *Controller) HandleMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageSkipWaiting:
		return c.SkipWaiting(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// Namespaces returns the namespaces of the active generation, if any.
func (c *Controller) Namespaces() (classifier.Namespaces, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return classifier.Namespaces{}, false
	}
	return c.active.config.Namespaces(), true
}

// Knows reports whether config is already active, waiting or being installed.
func (c *Controller) Knows(config Config) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range []*Generation{c.active, c.waiting, c.installing} {
		if g != nil && g.config.sameRelease(config) {
			return true
		}
	}
	return false
}

func (c *Controller) Active() *GenerationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active.info()
}

func (c *Controller) Waiting() *GenerationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting.info()
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Active:     c.active.info(),
		Waiting:    c.waiting.info(),
		Installing: c.installing.info(),
		Clients:    c.clients.Count(),
	}
}
