// Package cache is the tenant-scoped response cache fronting the columnar
// store. Entries live in Redis under {class}:{tenant}:{key} with per-class
// TTLs; eviction is TTL-only.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Class enumerates the cache classes.
type Class string

const (
	ClassInstruments            Class = "instruments"
	ClassCurves                 Class = "curves"
	ClassProducts               Class = "products"
	ClassPricing                Class = "pricing"
	ClassHistorical             Class = "historical"
	ClassServedLatestPrice      Class = "served-latest-price"
	ClassServedCurveSnapshot    Class = "served-curve-snapshot"
	ClassServedCustomProjection Class = "served-custom-projection"
)

// ClassInfo declares a class's default TTL, hot-warm category, and scope.
type ClassInfo struct {
	Class      Class         `json:"class"`
	TTL        time.Duration `json:"ttl"`
	WarmTier   string        `json:"warm_tier"`
	UserScoped bool          `json:"user_scoped"`
}

// classCatalog declares every class; TTL overrides from configuration are
// applied at construction.
var classCatalog = []ClassInfo{
	{ClassInstruments, 10 * time.Minute, "reference", false},
	{ClassCurves, 5 * time.Minute, "reference", false},
	{ClassProducts, 10 * time.Minute, "reference", false},
	{ClassPricing, 30 * time.Second, "live", false},
	{ClassHistorical, time.Hour, "cold", false},
	{ClassServedLatestPrice, 15 * time.Second, "live", false},
	{ClassServedCurveSnapshot, time.Minute, "live", false},
	{ClassServedCustomProjection, 5 * time.Minute, "user", true},
}

// Loader produces the value for a class+key on a miss or during warming.
type Loader func(ctx context.Context, tenant, key string) (interface{}, error)

// Cache is the Redis-backed response cache.
type Cache struct {
	rdb     *redis.Client
	ttls    map[Class]time.Duration
	scoped  map[Class]bool
	loaders map[Class]Loader
	logger  *log.Logger

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

// New creates the cache, applying any per-class TTL overrides.
func New(rdb *redis.Client, ttlOverrides map[string]time.Duration) *Cache {
	ttls := make(map[Class]time.Duration, len(classCatalog))
	scoped := make(map[Class]bool, len(classCatalog))
	for _, ci := range classCatalog {
		ttls[ci.Class] = ci.TTL
		scoped[ci.Class] = ci.UserScoped
	}
	for name, ttl := range ttlOverrides {
		if _, ok := ttls[Class(name)]; ok && ttl > 0 {
			ttls[Class(name)] = ttl
		}
	}
	return &Cache{
		rdb:     rdb,
		ttls:    ttls,
		scoped:  scoped,
		loaders: make(map[Class]Loader),
		logger:  log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
	}
}

// RegisterLoader attaches the loader invoked for a class during warming.
func (c *Cache) RegisterLoader(class Class, fn Loader) {
	c.loaders[class] = fn
}

// storageKey builds {class}:{tenant}:{key}; user-scoped classes also carry
// the subject so tenants cannot share per-user projections.
func (c *Cache) storageKey(class Class, tenant, subject, key string) string {
	if c.scoped[class] && subject != "" {
		return fmt.Sprintf("cache:%s:%s:%s:%s", class, tenant, subject, key)
	}
	return fmt.Sprintf("cache:%s:%s:%s", class, tenant, key)
}

// Get fetches a cached entry. The second return is false on miss or store
// error; store errors are logged and treated as misses.
func (c *Cache) Get(ctx context.Context, class Class, tenant, subject, key string) (json.RawMessage, bool) {
	raw, err := c.rdb.Get(ctx, c.storageKey(class, tenant, subject, key)).Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		return nil, false
	}
	if err != nil {
		c.misses.Add(1)
		c.logger.Printf("get %s/%s: %v", class, key, err)
		return nil, false
	}
	c.hits.Add(1)
	return raw, true
}

// Set stores a value under the class default TTL. Values must be JSON
// serialisable; failures are returned, never cached.
func (c *Cache) Set(ctx context.Context, class Class, tenant, subject, key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	ttl := c.ttls[class]
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := c.rdb.Set(ctx, c.storageKey(class, tenant, subject, key), body, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	c.sets.Add(1)
	return nil
}

// Invalidate drops one entry.
func (c *Cache) Invalidate(ctx context.Context, class Class, tenant, subject, key string) error {
	return c.rdb.Del(ctx, c.storageKey(class, tenant, subject, key)).Err()
}

// Catalog returns the declared classes with their effective TTLs.
func (c *Cache) Catalog() []ClassInfo {
	out := make([]ClassInfo, len(classCatalog))
	copy(out, classCatalog)
	for i := range out {
		out[i].TTL = c.ttls[out[i].Class]
	}
	return out
}

// Stats reports aggregate counters and the hit ratio.
func (c *Cache) Stats() map[string]interface{} {
	hits := c.hits.Load()
	misses := c.misses.Load()
	ratio := 0.0
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}
	return map[string]interface{}{
		"hits":      hits,
		"misses":    misses,
		"sets":      c.sets.Load(),
		"hit_ratio": ratio,
	}
}
