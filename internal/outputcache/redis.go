package outputcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sandboxengine/engine/pkg/enginetypes"
)

// UseRedis attaches a shared cache tier on top of the in-process coalescing
// cache, so multiple engine processes on the same host (or fleet) can reuse
// each other's cached outputs instead of each holding its own copy. The
// in-process map still owns single-flight coalescing of concurrent callers
// within one process; redis only short-circuits callers whose own process
// has never seen the fingerprint before.
func (c *Cache) UseRedis(client *redis.Client) {
	c.redis = client
}

func redisKey(key string) string {
	return "outputcache:" + key
}

// redisLookup checks the shared tier for a previously cached response.
// Errors (including redis.Nil on a miss) are treated as "not found" since
// this tier is a best-effort accelerator, never a source of truth.
func (c *Cache) redisLookup(ctx context.Context, key string) (*enginetypes.Response, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var resp enginetypes.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

// redisStore publishes a freshly computed response to the shared tier under
// the fingerprint key, so any process (including this one under a later
// fingerprint collision) can find it. Best-effort: failures are swallowed,
// the in-process cache remains correct regardless of whether redis is
// reachable.
func (c *Cache) redisStore(key string, resp *enginetypes.Response) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ttl := c.ttl
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	_ = c.redis.Set(ctx, redisKey(key), data, ttl).Err()
}
