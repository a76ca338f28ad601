package ratelimit

import (
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// KeyPrefix namespaces rate limit counters in Redis.
const KeyPrefix = "quote:ratelimit"

// New builds a limiter allowing max requests per window. A nil Redis client
// falls back to an in-process store.
func New(rdb *redis.Client, max int64, window time.Duration) (*limiter.Limiter, error) {
	if max <= 0 || window <= 0 {
		return nil, nil
	}
	store, err := NewStore(rdb)
	if err != nil {
		return nil, err
	}
	return limiter.New(store, limiter.Rate{Period: window, Limit: max}), nil
}

// NewStore returns a Redis-backed counter store, or a memory store when rdb is nil.
func NewStore(rdb *redis.Client) (limiter.Store, error) {
	if rdb == nil {
		return memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: KeyPrefix}), nil
	}
	return limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: KeyPrefix})
}
