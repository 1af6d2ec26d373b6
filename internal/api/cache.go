package api

import (
	"context"
	"sync"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// Cache stores results of idempotent reference calls. Entries never expire.
// Concurrent lookups of a missing key share a single computation.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]gjson.Result
	group   singleflight.Group
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{entries: make(map[string]gjson.Result)}
}

// Get returns a cached value
func (c *Cache) Get(key string) (gjson.Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// GetOrCompute returns the cached value for key or computes and stores it.
// Errors are not cached.
func (c *Cache) GetOrCompute(key string, compute func() (gjson.Result, error)) (gjson.Result, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		res, err := compute()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = res
		c.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return v.(gjson.Result), nil
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// CachedCaller caches responses of an allow-list of methods. The cache may be
// shared by bots with different tokens, so parameterless calls, which
// describe the token owner, always go to next.
type CachedCaller struct {
	next    Caller
	cache   *Cache
	methods map[string]struct{}
}

// DefaultCachedMethods are reference lookups whose answers do not change during a run
var DefaultCachedMethods = []string{
	"utils.resolveScreenName",
	"groups.getById",
}

// NewCachedCaller wraps next; only the listed methods are cached
func NewCachedCaller(next Caller, cache *Cache, methods ...string) *CachedCaller {
	if cache == nil {
		cache = NewCache()
	}
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[m] = struct{}{}
	}
	return &CachedCaller{next: next, cache: cache, methods: set}
}

// Call implements Caller
func (c *CachedCaller) Call(ctx context.Context, method string, params Params) (gjson.Result, error) {
	if _, ok := c.methods[method]; !ok || len(params) == 0 {
		return c.next.Call(ctx, method, params)
	}
	return c.cache.GetOrCompute(params.CacheKey(method), func() (gjson.Result, error) {
		return c.next.Call(ctx, method, params)
	})
}
