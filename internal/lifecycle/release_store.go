package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// ReleaseStore remembers which release was last activated, so a restarted
// process can serve its namespaces before reaching the network.
type ReleaseStore interface {
	SaveActive(ctx context.Context, release Config) error
	// LoadActive reports false when no release was ever activated.
	LoadActive(ctx context.Context) (Config, bool, error)
}

var _ ReleaseStore = (*RedisReleaseStore)(nil)

type RedisReleaseStore struct {
	redisClient *redis.Client
	key         string
}

func NewRedisReleaseStore(redisClient *redis.Client, keyPrefix string) *RedisReleaseStore {
	return &RedisReleaseStore{
		redisClient: redisClient,
		key:         keyPrefix + "::active-release",
	}
}

func (s *RedisReleaseStore) SaveActive(ctx context.Context, release Config) error {
	releaseJson, err := json.Marshal(release)
	if err != nil {
		return fmt.Errorf("marshal release: %w", err)
	}
	return s.redisClient.Set(ctx, s.key, releaseJson, 0).Err()
}

func (s *RedisReleaseStore) LoadActive(ctx context.Context) (Config, bool, error) {
	releaseJson, err := s.redisClient.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Config{}, false, nil
	}
	if err != nil {
		return Config{}, false, err
	}

	var release Config
	if err := json.Unmarshal(releaseJson, &release); err != nil {
		return Config{}, false, fmt.Errorf("unmarshal release: %w", err)
	}
	if err := release.Validate(); err != nil {
		return Config{}, false, fmt.Errorf("stored release: %w", err)
	}
	return release, true, nil
}
