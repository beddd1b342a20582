package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/2beens/offlinecache/internal/resource"
	"github.com/2beens/offlinecache/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Caches is the origin-wide view over all namespaces of a Storage.
type Caches struct {
	storage Storage
}

func NewCaches(storage Storage) *Caches {
	return &Caches{
		storage: storage,
	}
}

func (c *Caches) Open(ctx context.Context, namespace string) (*Store, error) {
	if namespace == "" {
		return nil, errors.New("namespace cannot be empty")
	}
	created, err := c.storage.Open(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("open namespace %s: %w", namespace, err)
	}
	if created {
		log.Debugf("caches: namespace [%s] created", namespace)
	}
	return &Store{
		name:    namespace,
		storage: c.storage,
	}, nil
}

func (c *Caches) Has(ctx context.Context, namespace string) (bool, error) {
	namespaces, err := c.storage.Namespaces(ctx)
	if err != nil {
		return false, err
	}
	for _, ns := range namespaces {
		if ns == namespace {
			return true, nil
		}
	}
	return false, nil
}

// Match looks the key up in every namespace, oldest first, and returns the first hit.
// Corrupt entries count as misses.
func (c *Caches) Match(ctx context.Context, key string) (_ *resource.Response, _ bool, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "caches.match")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	namespaces, err := c.storage.Namespaces(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("list namespaces: %w", err)
	}

	var firstErr error
	for _, ns := range namespaces {
		resp, found, err := c.storage.Match(ctx, ns, key)
		if err != nil {
			if errors.Is(err, ErrCorruptEntry) {
				log.Warnf("caches: ignoring corrupt entry [%s] in [%s]: %s", key, ns, err)
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if found {
			span.SetAttributes(attribute.String("cache.namespace", ns))
			return resp, true, nil
		}
	}

	return nil, false, firstErr
}

func (c *Caches) Namespaces(ctx context.Context) ([]string, error) {
	return c.storage.Namespaces(ctx)
}

func (c *Caches) Delete(ctx context.Context, namespace string) (bool, error) {
	return c.storage.Delete(ctx, namespace)
}

// Store is a handle to one namespace.
type Store struct {
	name    string
	storage Storage
}

func (s *Store) Name() string {
	return s.name
}

// Put stores a copy of resp under the request identity, overwriting any previous entry.
func (s *Store) Put(ctx context.Context, req *resource.Request, resp *resource.Response) error {
	if !req.IsGet() {
		return fmt.Errorf("%w: method %s", ErrNotCacheable, req.Method)
	}
	return s.storage.Put(ctx, s.name, req.Key(), resp.Clone())
}

func (s *Store) Match(ctx context.Context, req *resource.Request) (*resource.Response, bool, error) {
	return s.storage.Match(ctx, s.name, req.Key())
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	return s.storage.Keys(ctx, s.name)
}

// AddAll fetches every url and stores the responses in one batch. Any transport
// error or any status other than 200 fails the whole call, and nothing is written.
func (s *Store) AddAll(ctx context.Context, fetcher resource.Fetcher, urls []string) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "store.addAll")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()
	span.SetAttributes(
		attribute.String("cache.namespace", s.name),
		attribute.Int("manifest.size", len(urls)),
	)

	requests := make([]*resource.Request, len(urls))
	seen := make(map[string]bool, len(urls))
	for i, u := range urls {
		req, err := resource.NewGetRequest(u)
		if err != nil {
			return fmt.Errorf("%w: parse %s: %s", ErrManifestFetch, u, err)
		}
		if seen[req.Key()] {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, req.Key())
		}
		seen[req.Key()] = true
		requests[i] = req
	}

	entries := make([]Entry, len(requests))
	g, gCtx := errgroup.WithContext(ctx)
	for i, req := range requests {
		g.Go(func() error {
			resp, err := fetcher.Fetch(gCtx, req)
			if err != nil {
				return fmt.Errorf("%w: %s: %s", ErrManifestFetch, req.Key(), err)
			}
			if !resp.OK() {
				return fmt.Errorf("%w: %s: status %d", ErrManifestFetch, req.Key(), resp.StatusCode)
			}
			entries[i] = Entry{Key: req.Key(), Response: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.storage.PutAll(ctx, s.name, entries); err != nil {
		return fmt.Errorf("store manifest entries: %w", err)
	}

	log.Debugf("store [%s]: %d manifest entries added", s.name, len(entries))
	return nil
}
