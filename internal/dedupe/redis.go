package dedupe

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "prepare:"

// RedisStore is a TTL-bounded fingerprint store. SETNX gives atomic
// check-and-remember; redis eviction bounds the lifetime so the window is
// explicit instead of growing forever.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Remember(ctx context.Context, fp string) (bool, error) {
	set, err := s.rdb.SetNX(ctx, keyPrefix+fp, 1, s.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

func (s *RedisStore) Forget(ctx context.Context, fp string) error {
	return s.rdb.Del(ctx, keyPrefix+fp).Err()
}
