// Package ratelimit implements a distributed sliding-window limiter keyed
// by (client, endpoint). Timestamps live in a Redis sorted set; eviction,
// the count check, and the insert run in one Lua script so concurrent
// checkers observe a linearisable sequence.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Categories determine the per-window request budget.
const (
	CategoryPublic        = "public"
	CategoryAuthenticated = "authenticated"
	CategoryHeavy         = "heavy"
	CategoryAdmin         = "admin"
)

// checkScript evicts expired timestamps, reads the cardinality, and either
// rejects (returning the oldest score for retry-after) or records now.
var checkScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[2]) then
	local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	return {0, count, oldest[2]}
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {1, count + 1, '0'}
`)

// Result is the outcome of one limiter check.
type Result struct {
	Allowed      bool   `json:"allowed"`
	Count        int    `json:"count"`
	Limit        int    `json:"limit"`
	Remaining    int    `json:"remaining"`
	ResetSeconds int    `json:"reset_seconds"`
	Category     string `json:"category"`
}

// Limiter is the distributed sliding-window rate limiter.
type Limiter struct {
	rdb       *redis.Client
	window    time.Duration
	limits    map[string]int
	overrides map[string]int
	logger    *log.Logger

	allowed atomic.Int64
	denied  atomic.Int64
	errors  atomic.Int64
}

// Config tunes the limiter.
type Config struct {
	Window    time.Duration
	Limits    map[string]int // category -> requests per window
	Overrides map[string]int // endpoint -> requests per window
}

// New creates a limiter over the given Redis client.
func New(rdb *redis.Client, cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	limits := map[string]int{
		CategoryPublic:        100,
		CategoryAuthenticated: 300,
		CategoryHeavy:         20,
		CategoryAdmin:         600,
	}
	for k, v := range cfg.Limits {
		limits[k] = v
	}
	return &Limiter{
		rdb:       rdb,
		window:    cfg.Window,
		limits:    limits,
		overrides: cfg.Overrides,
		logger:    log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// Categorize maps an endpoint path to its rate category.
func Categorize(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/v1/cache/warm"),
		strings.HasPrefix(path, "/api/v1/admin"):
		return CategoryAdmin
	case strings.Contains(path, "/bulk"), strings.Contains(path, "/recompute"):
		return CategoryHeavy
	case strings.HasPrefix(path, "/api/v1/"):
		return CategoryAuthenticated
	default:
		return CategoryPublic
	}
}

// LimitFor returns the request budget for an endpoint in a category.
func (l *Limiter) LimitFor(endpoint, category string) int {
	if n, ok := l.overrides[endpoint]; ok {
		return n
	}
	if n, ok := l.limits[category]; ok {
		return n
	}
	return l.limits[CategoryPublic]
}

// Check atomically records a request attempt and reports whether it is
// within the window budget. Store failures fail open: the limiter is a
// best-effort guard, not a correctness control.
func (l *Limiter) Check(ctx context.Context, clientID, endpoint, category string) Result {
	limit := l.LimitFor(endpoint, category)
	key := fmt.Sprintf("ratelimit:%s:%s", clientID, endpoint)

	now := time.Now()
	nowScore := now.UnixMicro()
	cutoff := now.Add(-l.window).UnixMicro()
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()[:8]

	raw, err := checkScript.Run(ctx, l.rdb, []string{key},
		cutoff, limit, nowScore, member, l.window.Milliseconds()).Result()
	if err != nil {
		l.errors.Add(1)
		l.logger.Printf("store error, failing open: %v", err)
		return Result{Allowed: true, Limit: limit, Remaining: limit, Category: category}
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		l.errors.Add(1)
		l.logger.Printf("unexpected script reply %T, failing open", raw)
		return Result{Allowed: true, Limit: limit, Remaining: limit, Category: category}
	}

	allowed := toInt64(vals[0]) == 1
	count := int(toInt64(vals[1]))

	res := Result{
		Allowed:  allowed,
		Count:    count,
		Limit:    limit,
		Category: category,
	}
	if allowed {
		l.allowed.Add(1)
		res.Remaining = limit - count
		if res.Remaining < 0 {
			res.Remaining = 0
		}
	} else {
		l.denied.Add(1)
		res.Remaining = 0
		res.ResetSeconds = l.resetSeconds(vals[2], now)
	}
	return res
}

// resetSeconds computes how long until the oldest stored timestamp leaves
// the window.
func (l *Limiter) resetSeconds(oldestRaw interface{}, now time.Time) int {
	oldest, err := strconv.ParseFloat(fmt.Sprintf("%v", oldestRaw), 64)
	if err != nil || oldest <= 0 {
		return int(l.window.Seconds())
	}
	exit := time.UnixMicro(int64(oldest)).Add(l.window)
	secs := int(time.Until(exit).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Reset clears the window for one (client, endpoint) key.
func (l *Limiter) Reset(ctx context.Context, clientID, endpoint string) error {
	key := fmt.Sprintf("ratelimit:%s:%s", clientID, endpoint)
	return l.rdb.Del(ctx, key).Err()
}

// Status reports the current window occupancy without recording a request.
func (l *Limiter) Status(ctx context.Context, clientID, endpoint string) (int, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", clientID, endpoint)
	cutoff := time.Now().Add(-l.window).UnixMicro()
	if err := l.rdb.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return 0, err
	}
	n, err := l.rdb.ZCard(ctx, key).Result()
	return int(n), err
}

// GlobalStats reports process-wide limiter counters.
func (l *Limiter) GlobalStats() map[string]interface{} {
	return map[string]interface{}{
		"allowed_total":  l.allowed.Load(),
		"denied_total":   l.denied.Load(),
		"store_errors":   l.errors.Load(),
		"window_seconds": l.window.Seconds(),
		"limits":         l.limits,
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}
