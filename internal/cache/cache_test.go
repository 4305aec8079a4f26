package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, nil), mr
}

func TestGetSetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, ok := c.Get(ctx, ClassInstruments, "t1", "", "all")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, ClassInstruments, "t1", "", "all",
		map[string]interface{}{"instruments": []string{"BRN", "WTI"}}))

	raw, ok := c.Get(ctx, ClassInstruments, "t1", "", "all")
	require.True(t, ok)
	var got map[string][]string
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, []string{"BRN", "WTI"}, got["instruments"])

	// Other tenants never see the entry.
	_, ok = c.Get(ctx, ClassInstruments, "t2", "", "all")
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, ClassServedLatestPrice, "t1", "", "BRN", 52.5))
	_, ok := c.Get(ctx, ClassServedLatestPrice, "t1", "", "BRN")
	require.True(t, ok)

	mr.FastForward(16 * time.Second) // class TTL is 15s
	_, ok = c.Get(ctx, ClassServedLatestPrice, "t1", "", "BRN")
	assert.False(t, ok)
}

func TestUserScopedClassKeying(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, ClassServedCustomProjection, "t1", "u1", "proj", "u1-view"))

	_, ok := c.Get(ctx, ClassServedCustomProjection, "t1", "u2", "proj")
	assert.False(t, ok, "subject u2 must not see u1's projection")

	raw, ok := c.Get(ctx, ClassServedCustomProjection, "t1", "u1", "proj")
	require.True(t, ok)
	assert.JSONEq(t, `"u1-view"`, string(raw))
}

func TestTTLOverride(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	c := New(rdb, map[string]time.Duration{"instruments": time.Second})
	for _, ci := range c.Catalog() {
		if ci.Class == ClassInstruments {
			assert.Equal(t, time.Second, ci.TTL)
		}
	}
}

func TestStats(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Get(ctx, ClassCurves, "t1", "", "x") // miss
	require.NoError(t, c.Set(ctx, ClassCurves, "t1", "", "x", 1))
	c.Get(ctx, ClassCurves, "t1", "", "x") // hit

	stats := c.Stats()
	assert.Equal(t, int64(1), stats["hits"])
	assert.Equal(t, int64(1), stats["misses"])
	assert.InDelta(t, 0.5, stats["hit_ratio"], 0.001)
}

func TestWarm(t *testing.T) {
	c, _ := newTestCache(t)

	c.RegisterLoader(ClassInstruments, func(ctx context.Context, tenant, key string) (interface{}, error) {
		return map[string]string{"tenant": tenant, "key": key}, nil
	})
	c.RegisterLoader(ClassServedLatestPrice, func(ctx context.Context, tenant, key string) (interface{}, error) {
		return nil, errors.New("store offline")
	})

	w, err := NewWarmer(c, "", 2)
	require.NoError(t, err)

	s := w.Warm(context.Background(), "u1", "t1")
	assert.Equal(t, 1, s.Warmed)    // instruments
	assert.Equal(t, 3, s.Failed)    // latest-price keys fail to load
	assert.Greater(t, s.Skipped, 0) // classes with no loader
	assert.Equal(t, 3, s.Errors[string(ClassServedLatestPrice)])

	// Warmed entry is retrievable under the request-path key.
	_, ok := c.Get(context.Background(), ClassInstruments, "t1", "", "/api/v1/instruments")
	assert.True(t, ok)
}
