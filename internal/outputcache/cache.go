// Package outputcache implements the content-addressed output cache used
// by Cached mode (spec §4.7): completed (fingerprint -> response) entries
// with at-most-one-execution coalescing, so concurrent identical requests
// share one backend execution instead of each driving their own.
//
// The coalescing shape is a per-key entry holding a channel that's closed
// once the in-flight computation finishes, with late arrivals waiting on
// it instead of each starting their own computation.
package outputcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sandboxengine/engine/pkg/enginetypes"
)

// Fingerprint identifies a request for caching purposes: image digest (not
// just name, to avoid poisoning when a tag moves), argv, env, and a hash of
// stdin (spec §9, Open Question (a) resolved in favor of the digest).
type Fingerprint struct {
	ImageDigest string
	Argv        []string
	Env         map[string]string
	StdinHash   string
}

// Key renders a Fingerprint into the cache's lookup key.
func (f Fingerprint) Key() string {
	h := sha256.New()
	fmt.Fprintf(h, "image:%s\n", f.ImageDigest)
	for _, a := range f.Argv {
		fmt.Fprintf(h, "argv:%s\n", a)
	}
	keys := make([]string, 0, len(f.Env))
	for k := range f.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "env:%s=%s\n", k, f.Env[k])
	}
	fmt.Fprintf(h, "stdin:%s\n", f.StdinHash)
	return hex.EncodeToString(h.Sum(nil))
}

// HashStdin computes the stdin component of a Fingerprint.
func HashStdin(stdin []byte) string {
	sum := sha256.Sum256(stdin)
	return hex.EncodeToString(sum[:])
}

// entry is one cache slot: either resolved (resp set, ready closed) or
// in-flight (ready open, other callers on the same key wait on it).
type entry struct {
	mu       sync.Mutex
	ready    chan struct{} // closed when resp/err are safe to read
	resp     *enginetypes.Response
	err      error
	cachedAt time.Time
}

// Cache is a process-wide singleton coalescing cache keyed by Fingerprint.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration

	// redis, if set via UseRedis, backs a shared tier consulted when this
	// process has no in-flight or cached entry for a key. Optional.
	redis *redis.Client
}

func New(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[string]*entry), ttl: ttl}
}

// Execute returns the cached response for fp if present and unexpired.
// Otherwise it calls compute exactly once regardless of how many
// concurrent callers race on the same fp: the first caller computes, every
// later caller waits on the same entry's ready channel (spec §4.7,
// §5 "Output cache ... first inserter owns the execution").
func (c *Cache) Execute(ctx context.Context, fp Fingerprint, compute func(context.Context) (*enginetypes.Response, error)) (*enginetypes.Response, bool, error) {
	key := fp.Key()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		resp, err := c.await(ctx, e)
		if err != nil {
			return nil, false, err
		}
		if c.ttl > 0 && time.Since(e.cachedAt) > c.ttl {
			c.invalidate(key, e)
		} else {
			cached := *resp
			cached.CacheHit = true
			return &cached, true, nil
		}
		return c.Execute(ctx, fp, compute)
	}

	e := &entry{ready: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	if cached, ok := c.redisLookup(ctx, key); ok {
		e.mu.Lock()
		e.resp, e.cachedAt = cached, time.Now()
		e.mu.Unlock()
		close(e.ready)
		hit := *cached
		hit.CacheHit = true
		return &hit, true, nil
	}

	resp, err := compute(ctx)
	e.mu.Lock()
	e.resp, e.err, e.cachedAt = resp, err, time.Now()
	e.mu.Unlock()
	close(e.ready)

	if err != nil {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, err
	}
	c.redisStore(key, resp)
	return resp, false, nil
}

func (c *Cache) await(ctx context.Context, e *entry) (*enginetypes.Response, error) {
	select {
	case <-e.ready:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.resp, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) invalidate(key string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[key] == e {
		delete(c.entries, key)
	}
}

// Purge drops every cache entry, used by engine teardown.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}
