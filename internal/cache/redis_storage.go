package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/2beens/offlinecache/internal/resource"

	"github.com/go-redis/redis/v8"
)

const DefaultRedisKeyPrefix = "offline-cache"

var _ Storage = (*RedisStorage)(nil)

// RedisStorage keeps one hash per namespace (request key -> record) and a sorted set
// of namespace names scored by creation time, so it survives process restarts.
type RedisStorage struct {
	redisClient *redis.Client
	keyPrefix   string
	now         func() time.Time
}

func NewRedisStorage(redisClient *redis.Client, keyPrefix string) *RedisStorage {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisStorage{
		redisClient: redisClient,
		keyPrefix:   keyPrefix,
		now:         time.Now,
	}
}

func (rs *RedisStorage) namespacesKey() string {
	return rs.keyPrefix + "::namespaces"
}

func (rs *RedisStorage) namespaceKey(namespace string) string {
	return rs.keyPrefix + "::ns::" + namespace
}

func (rs *RedisStorage) namespaceMember(namespace string) *redis.Z {
	return &redis.Z{
		Score:  float64(rs.now().UnixMicro()),
		Member: namespace,
	}
}

// redis answers writes with an OOM error once maxmemory is reached under a noeviction policy
func mapRedisErr(err error) error {
	if err != nil && strings.HasPrefix(err.Error(), "OOM") {
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, err)
	}
	return err
}

func (rs *RedisStorage) Open(ctx context.Context, namespace string) (bool, error) {
	added, err := rs.redisClient.ZAddNX(ctx, rs.namespacesKey(), rs.namespaceMember(namespace)).Result()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return added > 0, nil
}

func (rs *RedisStorage) Put(ctx context.Context, namespace, key string, resp *resource.Response) error {
	value, err := encodeRecord(resp, rs.now())
	if err != nil {
		return err
	}

	if err := rs.redisClient.HSet(ctx, rs.namespaceKey(namespace), key, string(value)).Err(); err != nil {
		return mapRedisErr(err)
	}
	if err := rs.redisClient.ZAddNX(ctx, rs.namespacesKey(), rs.namespaceMember(namespace)).Err(); err != nil {
		return mapRedisErr(err)
	}
	return nil
}

func (rs *RedisStorage) PutAll(ctx context.Context, namespace string, entries []Entry) error {
	if len(entries) == 0 {
		_, err := rs.Open(ctx, namespace)
		return err
	}

	fields := make([]interface{}, 0, len(entries)*2)
	for _, e := range entries {
		value, err := encodeRecord(e.Response, rs.now())
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Key, err)
		}
		fields = append(fields, e.Key, string(value))
	}

	// MULTI/EXEC: either every field lands, or none does
	_, err := rs.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, rs.namespaceKey(namespace), fields...)
		pipe.ZAddNX(ctx, rs.namespacesKey(), rs.namespaceMember(namespace))
		return nil
	})
	return mapRedisErr(err)
}

func (rs *RedisStorage) Match(ctx context.Context, namespace, key string) (*resource.Response, bool, error) {
	value, err := rs.redisClient.HGet(ctx, rs.namespaceKey(namespace), key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	resp, err := decodeRecord([]byte(value))
	if err != nil {
		return nil, false, err
	}
	return resp, true, nil
}

func (rs *RedisStorage) Keys(ctx context.Context, namespace string) ([]string, error) {
	keys, err := rs.redisClient.HKeys(ctx, rs.namespaceKey(namespace)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (rs *RedisStorage) Namespaces(ctx context.Context) ([]string, error) {
	return rs.redisClient.ZRange(ctx, rs.namespacesKey(), 0, -1).Result()
}

func (rs *RedisStorage) Delete(ctx context.Context, namespace string) (bool, error) {
	removed, err := rs.redisClient.ZRem(ctx, rs.namespacesKey(), namespace).Result()
	if err != nil {
		return false, err
	}
	if err := rs.redisClient.Del(ctx, rs.namespaceKey(namespace)).Err(); err != nil {
		return removed > 0, fmt.Errorf("delete namespace hash %s: %w", namespace, err)
	}
	return removed > 0, nil
}
