package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/2beens/offlinecache/internal/resource"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFetcher struct {
	mu        sync.Mutex
	responses map[string]*resource.Response
	failing   map[string]bool
	calls     int
}

func (f *testFetcher) Fetch(_ context.Context, req *resource.Request) (*resource.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.failing[req.Key()] {
		return nil, errors.New("network down")
	}
	if resp, ok := f.responses[req.Key()]; ok {
		return resp.Clone(), nil
	}
	return &resource.Response{StatusCode: http.StatusNotFound, Header: make(http.Header), URL: req.Key()}, nil
}

func manifestFetcher() *testFetcher {
	return &testFetcher{
		responses: map[string]*resource.Response{
			"https://qiyasat.app/":              testResponse("https://qiyasat.app/", "<html>home</html>"),
			"https://qiyasat.app/manifest.json": testResponse("https://qiyasat.app/manifest.json", `{"name":"qiyasat"}`),
			"https://qiyasat.app/logo.png":      testResponse("https://qiyasat.app/logo.png", "PNG"),
		},
		failing: map[string]bool{},
	}
}

func TestStore_AddAll(t *testing.T) {
	ctx := context.Background()
	caches := NewCaches(NewMemoryStorage(10 * 1024 * 1024))

	store, err := caches.Open(ctx, "qiyasat-v1")
	require.NoError(t, err)
	assert.Equal(t, "qiyasat-v1", store.Name())

	fetcher := manifestFetcher()
	err = store.AddAll(ctx, fetcher, []string{
		"https://qiyasat.app/",
		"https://qiyasat.app/manifest.json",
		"https://qiyasat.app/logo.png",
	})
	require.NoError(t, err)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	req, err := resource.NewGetRequest("https://qiyasat.app/logo.png")
	require.NoError(t, err)
	resp, found, err := store.Match(ctx, req)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "PNG", string(resp.Body))
}

func TestStore_AddAll_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	caches := NewCaches(NewMemoryStorage(10 * 1024 * 1024))
	store, err := caches.Open(ctx, "qiyasat-v2")
	require.NoError(t, err)

	fetcher := manifestFetcher()
	fetcher.failing["https://qiyasat.app/logo.png"] = true

	err = store.AddAll(ctx, fetcher, []string{
		"https://qiyasat.app/",
		"https://qiyasat.app/manifest.json",
		"https://qiyasat.app/logo.png",
	})
	require.ErrorIs(t, err, ErrManifestFetch)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	// non-200 fails as well
	err = store.AddAll(ctx, fetcher, []string{
		"https://qiyasat.app/",
		"https://qiyasat.app/not-there.png",
	})
	require.ErrorIs(t, err, ErrManifestFetch)
	keys, err = store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	err = store.AddAll(ctx, fetcher, []string{
		"https://qiyasat.app/",
		"https://qiyasat.app/#again",
	})
	require.ErrorIs(t, err, ErrDuplicateEntry)
}

func TestCaches_MatchAcrossNamespaces(t *testing.T) {
	ctx := context.Background()
	caches := NewCaches(NewMemoryStorage(10 * 1024 * 1024))

	older, err := caches.Open(ctx, "qiyasat-v1")
	require.NoError(t, err)
	newer, err := caches.Open(ctx, "qiyasat-static-v1")
	require.NoError(t, err)

	req, err := resource.NewGetRequest("https://qiyasat.app/main.js")
	require.NoError(t, err)
	require.NoError(t, newer.Put(ctx, req, testResponse(req.Key(), "newer")))

	resp, found, err := caches.Match(ctx, req.Key())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "newer", string(resp.Body))

	// the oldest namespace wins
	require.NoError(t, older.Put(ctx, req, testResponse(req.Key(), "older")))
	resp, found, err = caches.Match(ctx, req.Key())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "older", string(resp.Body))

	has, err := caches.Has(ctx, "qiyasat-v1")
	require.NoError(t, err)
	assert.True(t, has)

	deleted, err := caches.Delete(ctx, "qiyasat-v1")
	require.NoError(t, err)
	assert.True(t, deleted)
	has, err = caches.Has(ctx, "qiyasat-v1")
	require.NoError(t, err)
	assert.False(t, has)

	_, found, err = caches.Match(ctx, "https://qiyasat.app/unknown.png")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_PutRejectsNonGet(t *testing.T) {
	ctx := context.Background()
	caches := NewCaches(NewMemoryStorage(0))
	store, err := caches.Open(ctx, "ns")
	require.NoError(t, err)

	req, err := resource.NewGetRequest("https://qiyasat.app/api")
	require.NoError(t, err)
	req.Method = http.MethodPost

	err = store.Put(ctx, req, testResponse(req.Key(), "x"))
	assert.ErrorIs(t, err, ErrNotCacheable)

	_, err = caches.Open(ctx, "")
	assert.Error(t, err)
}

func TestStore_AddAll_LargeBundle(t *testing.T) {
	ctx := context.Background()
	caches := NewCaches(NewMemoryStorage(64 << 20))

	bundle := strings.Repeat("console.log('qiyasat');\n", 25000) // ~600KB
	fetcher := manifestFetcher()
	fetcher.responses["https://qiyasat.app/index.js"] = testResponse("https://qiyasat.app/index.js", bundle)

	store, err := caches.Open(ctx, "qiyasat-v1")
	require.NoError(t, err)
	require.NoError(t, store.AddAll(ctx, fetcher, []string{
		"https://qiyasat.app/",
		"https://qiyasat.app/index.js",
	}))

	resp, found, err := caches.Match(ctx, "https://qiyasat.app/index.js")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, resp.Body, len(bundle))
	assert.Equal(t, bundle, string(resp.Body))
}
