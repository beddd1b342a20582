package cache

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/2beens/offlinecache/internal/resource"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// INFO: https://github.com/go-redis/redis/issues/1029
		goleak.IgnoreTopFunction(
			"github.com/go-redis/redis/v8/internal/pool.(*ConnPool).reaper",
		),
	)
}

func testResponse(url, body string) *resource.Response {
	return &resource.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       []byte(body),
		Type:       resource.ResponseTypeBasic,
		URL:        url,
	}
}

func TestMemoryStorage_OpenPutMatch(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStorage(10 * 1024 * 1024)

	created, err := ms.Open(ctx, "qiyasat-v1")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = ms.Open(ctx, "qiyasat-v1")
	require.NoError(t, err)
	assert.False(t, created)

	body := gofakeit.Sentence(20)
	resp := testResponse("https://qiyasat.app/", body)
	require.NoError(t, ms.Put(ctx, "qiyasat-v1", "https://qiyasat.app/", resp))

	found, ok, err := ms.Match(ctx, "qiyasat-v1", "https://qiyasat.app/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, resp, found)

	_, ok, err = ms.Match(ctx, "qiyasat-v1", "https://qiyasat.app/missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = ms.Match(ctx, "other", "https://qiyasat.app/")
	require.NoError(t, err)
	assert.False(t, ok)

	// overwrite
	require.NoError(t, ms.Put(ctx, "qiyasat-v1", "https://qiyasat.app/", testResponse("https://qiyasat.app/", "new")))
	found, ok, err = ms.Match(ctx, "qiyasat-v1", "https://qiyasat.app/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", string(found.Body))

	keys, err := ms.Keys(ctx, "qiyasat-v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://qiyasat.app/"}, keys)
}

func TestMemoryStorage_NamespacesOrderAndDelete(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStorage(10 * 1024 * 1024)

	for _, ns := range []string{"a-v1", "a-static-v1", "a-v2"} {
		_, err := ms.Open(ctx, ns)
		require.NoError(t, err)
	}
	require.NoError(t, ms.Put(ctx, "a-v1", "k", testResponse("k", "v")))

	namespaces, err := ms.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-v1", "a-static-v1", "a-v2"}, namespaces)

	deleted, err := ms.Delete(ctx, "a-v1")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = ms.Delete(ctx, "a-v1")
	require.NoError(t, err)
	assert.False(t, deleted)

	namespaces, err = ms.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-static-v1", "a-v2"}, namespaces)

	_, ok, err := ms.Match(ctx, "a-v1", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStorage_EntryTooLarge(t *testing.T) {
	ctx := context.Background()
	// smallest budget, 512KB
	ms := NewMemoryStorage(0)

	err := ms.Put(ctx, "ns", "big", testResponse("big", strings.Repeat("x", 600<<10)))
	assert.ErrorIs(t, err, ErrEntryTooLarge)

	namespaces, err := ms.Namespaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, namespaces)
	assert.Zero(t, ms.Stats().UsedBytes)
}

func TestMemoryStorage_PutAllIsAtomic(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStorage(0)

	require.NoError(t, ms.Put(ctx, "existing", "/a", testResponse("/a", "old-a")))

	err := ms.PutAll(ctx, "existing", []Entry{
		{Key: "/a", Response: testResponse("/a", "new-a")},
		{Key: "/b", Response: testResponse("/b", "new-b")},
		{Key: "/big", Response: testResponse("/big", strings.Repeat("x", 600<<10))},
	})
	require.ErrorIs(t, err, ErrEntryTooLarge)

	found, ok, err := ms.Match(ctx, "existing", "/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old-a", string(found.Body))

	_, ok, err = ms.Match(ctx, "existing", "/b")
	require.NoError(t, err)
	assert.False(t, ok)

	// each entry fits, the batch does not
	err = ms.PutAll(ctx, "fresh", []Entry{
		{Key: "/x", Response: testResponse("/x", strings.Repeat("x", 200<<10))},
		{Key: "/y", Response: testResponse("/y", strings.Repeat("y", 200<<10))},
	})
	require.ErrorIs(t, err, ErrQuotaExceeded)
	namespaces, err := ms.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"existing"}, namespaces)

	require.NoError(t, ms.PutAll(ctx, "fresh", []Entry{
		{Key: "/x", Response: testResponse("/x", "x")},
		{Key: "/y", Response: testResponse("/y", "y")},
	}))
	keys, err := ms.Keys(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, []string{"/x", "/y"}, keys)
}

func TestMemoryStorage_FullStoreKeepsEntries(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStorage(4 << 20)
	caches := NewCaches(ms)

	docs, err := caches.Open(ctx, "qiyasat-v1")
	require.NoError(t, err)
	require.NoError(t, docs.AddAll(ctx, manifestFetcher(), []string{
		"https://qiyasat.app/",
		"https://qiyasat.app/manifest.json",
	}))
	static, err := caches.Open(ctx, "qiyasat-static-v1")
	require.NoError(t, err)

	var putErr error
	stored := 0
	for i := 0; i < 20000 && putErr == nil; i++ {
		req, err := resource.NewGetRequest(fmt.Sprintf("https://qiyasat.app/img/%d.png", i))
		require.NoError(t, err)
		putErr = static.Put(ctx, req, testResponse(req.Key(), gofakeit.LetterN(2048)))
		if putErr == nil {
			stored++
		}
	}
	require.ErrorIs(t, putErr, ErrQuotaExceeded)
	assert.Greater(t, stored, 100)

	// the manifest entries outlive the runtime writes
	resp, found, err := caches.Match(ctx, "https://qiyasat.app/")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "<html>home</html>", string(resp.Body))
	keys, err := docs.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	staticKeys, err := static.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, staticKeys, stored)

	stats := ms.Stats()
	assert.Equal(t, int64(stored+2), stats.Entries)
	assert.LessOrEqual(t, stats.UsedBytes, stats.CapacityBytes)
	assert.Greater(t, stats.HitRate, 0.0)

	// deleting a namespace gives its bytes back
	_, err = caches.Delete(ctx, "qiyasat-static-v1")
	require.NoError(t, err)
	req, err := resource.NewGetRequest("https://qiyasat.app/img/again.png")
	require.NoError(t, err)
	require.NoError(t, static.Put(ctx, req, testResponse(req.Key(), "png")))
}
