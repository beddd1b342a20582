package cache

import (
	"context"
	"errors"
	"time"

	"github.com/2beens/offlinecache/internal/resource"

	"github.com/coocood/freecache"
	log "github.com/sirupsen/logrus"
)

const DefaultReadCacheTTL = 30 * time.Second

var _ Storage = (*ReadCache)(nil)

// ReadCache keeps recently matched records of a remote Storage in a freecache
// ring buffer. The wrapped storage stays authoritative: an evicted or expired
// record costs one round trip, never an entry. Changes made by another process
// sharing the storage become visible within the TTL.
type ReadCache struct {
	Storage
	data *freecache.Cache
	ttl  time.Duration
	now  func() time.Time
}

func NewReadCache(storage Storage, sizeBytes int, ttl time.Duration) *ReadCache {
	if ttl < time.Second {
		ttl = DefaultReadCacheTTL
	}
	return &ReadCache{
		Storage: storage,
		// freecache raises anything below 512KB to its minimum
		data: freecache.NewCache(sizeBytes),
		ttl:  ttl,
		now:  time.Now,
	}
}

func readCacheKey(namespace, key string) []byte {
	return []byte(namespace + "\x00" + key)
}

func (rc *ReadCache) Put(ctx context.Context, namespace, key string, resp *resource.Response) error {
	err := rc.Storage.Put(ctx, namespace, key, resp)
	rc.data.Del(readCacheKey(namespace, key))
	return err
}

func (rc *ReadCache) PutAll(ctx context.Context, namespace string, entries []Entry) error {
	err := rc.Storage.PutAll(ctx, namespace, entries)
	for _, e := range entries {
		rc.data.Del(readCacheKey(namespace, e.Key))
	}
	return err
}

func (rc *ReadCache) Match(ctx context.Context, namespace, key string) (*resource.Response, bool, error) {
	cacheKey := readCacheKey(namespace, key)
	if value, err := rc.data.Get(cacheKey); err == nil {
		resp, decodeErr := decodeRecord(value)
		if decodeErr == nil {
			return resp, true, nil
		}
		log.Warnf("read cache: drop [%s] in [%s]: %s", key, namespace, decodeErr)
		rc.data.Del(cacheKey)
	}

	resp, found, err := rc.Storage.Match(ctx, namespace, key)
	if err != nil || !found {
		return resp, found, err
	}

	value, err := encodeRecord(resp, rc.now())
	if err != nil {
		return resp, true, nil
	}
	if err := rc.data.Set(cacheKey, value, int(rc.ttl/time.Second)); err != nil && !errors.Is(err, freecache.ErrLargeEntry) {
		log.Debugf("read cache: keep [%s] in [%s]: %s", key, namespace, err)
	}
	return resp, true, nil
}

func (rc *ReadCache) Delete(ctx context.Context, namespace string) (bool, error) {
	keys, keysErr := rc.Storage.Keys(ctx, namespace)
	deleted, err := rc.Storage.Delete(ctx, namespace)
	if keysErr != nil {
		// without the key list nothing can be dropped selectively
		rc.data.Clear()
	}
	for _, k := range keys {
		rc.data.Del(readCacheKey(namespace, k))
	}
	return deleted, err
}

func (rc *ReadCache) Stats() StorageStats {
	return StorageStats{
		Entries:   rc.data.EntryCount(),
		Evacuated: rc.data.EvacuateCount(),
		HitRate:   rc.data.HitRate(),
	}
}
