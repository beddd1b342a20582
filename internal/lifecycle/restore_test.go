package lifecycle_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/2beens/offlinecache/internal/cache"
	"github.com/2beens/offlinecache/internal/lifecycle"

	"github.com/go-redis/redismock/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryReleaseStore struct {
	mu      sync.Mutex
	release *lifecycle.Config
}

func (s *memoryReleaseStore) SaveActive(_ context.Context, release lifecycle.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release = &release
	return nil
}

func (s *memoryReleaseStore) LoadActive(_ context.Context) (lifecycle.Config, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.release == nil {
		return lifecycle.Config{}, false, nil
	}
	return *s.release, true, nil
}

func withReleaseStore(store lifecycle.ReleaseStore) func(p *lifecycle.Params) {
	return func(p *lifecycle.Params) {
		p.ReleaseStore = store
	}
}

func TestController_InstallTimesOut(t *testing.T) {
	ctx := context.Background()
	f := newControllerFixture(t, cache.NewMemoryStorage(0), func(p *lifecycle.Params) {
		p.InstallTimeout = 50 * time.Millisecond
	})

	// upstream accepts the connection and never answers
	f.fetcher.mu.Lock()
	f.fetcher.gate, f.fetcher.entered = make(chan struct{}), make(chan struct{}, 1)
	f.fetcher.mu.Unlock()

	err := f.controller.Install(ctx, release("1", "/", "/manifest.json"))
	require.ErrorIs(t, err, cache.ErrManifestFetch)

	assert.False(t, f.controller.Knows(release("1", "/", "/manifest.json")))
	assert.Nil(t, f.controller.Active())
	namespaces, err := f.caches.Namespaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, namespaces)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CounterInstalls.WithLabelValues("failed")))

	// the next install is not blocked by the hung one
	f.fetcher.mu.Lock()
	f.fetcher.gate, f.fetcher.entered = nil, nil
	f.fetcher.mu.Unlock()

	f.expectActivation("1", 0)
	require.NoError(t, f.controller.Install(ctx, release("1", "/", "/manifest.json")))
	assert.Equal(t, "1", f.controller.Active().Version)
}

func TestController_RestoreAfterRestart(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage(0)
	releases := &memoryReleaseStore{}

	before := newControllerFixture(t, storage, withReleaseStore(releases))
	before.expectActivation("1", 1)
	require.NoError(t, before.controller.Install(ctx, release("1", "/", "/manifest.json")))

	// a new process over the same storage, with the upstream unreachable
	after := newControllerFixture(t, storage, withReleaseStore(releases))
	after.fetcher.setDown("https://qiyasat.app/", true)
	after.fetcher.setDown("https://qiyasat.app/manifest.json", true)

	restored, err := after.controller.Restore(ctx)
	require.NoError(t, err)
	assert.True(t, restored)

	ns, ok := after.controller.Namespaces()
	require.True(t, ok)
	assert.Equal(t, "qiyasat-v1", ns.Documents)
	assert.Equal(t, "qiyasat-static-v1", ns.Static)
	assert.Equal(t, lifecycle.StateActivated, after.controller.Active().State)
	assert.True(t, after.controller.Knows(release("1", "/", "/manifest.json")))
	assert.Equal(t, []string{"1"}, after.activated)

	// nothing was fetched, nothing was broadcast
	assert.Equal(t, 0.0, testutil.ToFloat64(after.metrics.CounterBroadcasts))
	assert.Equal(t, 0.0, testutil.ToFloat64(after.metrics.CounterActivations))

	resp, found, err := after.caches.Match(ctx, "https://qiyasat.app/")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "content of /", string(resp.Body))
}

func TestController_RestoreSkipped(t *testing.T) {
	ctx := context.Background()

	// no store configured
	f := newControllerFixture(t, cache.NewMemoryStorage(0))
	restored, err := f.controller.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, restored)

	// nothing ever activated
	f = newControllerFixture(t, cache.NewMemoryStorage(0), withReleaseStore(&memoryReleaseStore{}))
	restored, err = f.controller.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, restored)

	// the stored release's namespace did not survive
	releases := &memoryReleaseStore{}
	require.NoError(t, releases.SaveActive(ctx, release("4", "/")))
	f = newControllerFixture(t, cache.NewMemoryStorage(0), withReleaseStore(releases))
	restored, err = f.controller.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, restored)
	_, ok := f.controller.Namespaces()
	assert.False(t, ok)
}

func TestRedisReleaseStore(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	defer db.Close()
	store := lifecycle.NewRedisReleaseStore(db, "offlinecache")

	rel := release("7", "/", "/manifest.json")
	releaseJson, err := json.Marshal(rel)
	require.NoError(t, err)

	mock.ExpectSet("offlinecache::active-release", releaseJson, 0).SetVal("OK")
	require.NoError(t, store.SaveActive(ctx, rel))

	mock.ExpectGet("offlinecache::active-release").SetVal(string(releaseJson))
	loaded, found, err := store.LoadActive(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rel, loaded)

	mock.ExpectGet("offlinecache::active-release").RedisNil()
	_, found, err = store.LoadActive(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	mock.ExpectGet("offlinecache::active-release").SetVal(`{"app_name":""}`)
	_, _, err = store.LoadActive(ctx)
	assert.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}
