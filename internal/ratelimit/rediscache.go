package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCache is a best-effort write-behind cache for rate-window counts,
// backed by a single hash per agent with a TTL matching the window. It is
// never consulted to make the allow/deny decision — Store.RateWindowCount
// remains the source of truth — so a cold cache after a restart or a
// Redis outage degrades silently to "no cache" rather than to incorrect
// limiting.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache builds a RedisCache against addr (host:port).
func NewRedisCache(addr string) *RedisCache {
	return &RedisCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error { return c.client.Close() }

// Incr increments the cached request/token counters for key and refreshes
// their TTL. Any error is swallowed and reported via ok=false; callers
// must not depend on this succeeding.
func (c *RedisCache) Incr(ctx context.Context, key string, tokens int64, ttl time.Duration) (requests int64, totalTokens int64, ok bool) {
	reqKey := fmt.Sprintf("aex:rate:%s:requests", key)
	tokKey := fmt.Sprintf("aex:rate:%s:tokens", key)

	pipe := c.client.TxPipeline()
	reqIncr := pipe.Incr(ctx, reqKey)
	tokIncr := pipe.IncrBy(ctx, tokKey, tokens)
	pipe.Expire(ctx, reqKey, ttl)
	pipe.Expire(ctx, tokKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, false
	}
	return reqIncr.Val(), tokIncr.Val(), true
}
