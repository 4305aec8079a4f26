package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/commodix/access-layer/internal/circuitbreaker"
)

// jwk is the subset of RFC 7517 the identity provider publishes.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// JWKSClient fetches and caches the identity provider's signing keys.
// A fetch failure within the TTL window falls back to the stale cache;
// with no cache at all, lookups fail with ErrJWKSUnavailable.
type JWKSClient struct {
	endpoint string
	ttl      time.Duration
	client   *http.Client
	breaker  *circuitbreaker.Breaker

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	// kid -> key memo so the hot verify path avoids the map under the
	// full cache lock.
	memo *lru.Cache[string, *rsa.PublicKey]
}

// NewJWKSClient creates a client for the given well-known endpoint.
func NewJWKSClient(endpoint string, ttl, fetchTimeout time.Duration, breakers *circuitbreaker.Manager) *JWKSClient {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 5 * time.Second
	}
	memo, _ := lru.New[string, *rsa.PublicKey](128)
	return &JWKSClient{
		endpoint: endpoint,
		ttl:      ttl,
		client:   &http.Client{Timeout: fetchTimeout},
		breaker:  breakers.Get("jwks"),
		memo:     memo,
	}
}

// Key returns the verification key for kid, refreshing the cache when it
// has aged past the TTL.
func (c *JWKSClient) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := c.memo.Get(kid); ok && c.fresh() {
		return key, nil
	}

	if !c.fresh() {
		if err := c.refresh(ctx); err != nil {
			c.mu.RLock()
			empty := len(c.keys) == 0
			c.mu.RUnlock()
			if empty {
				return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
			}
			slog.Warn("JWKS refresh failed, serving stale keys", "error", err)
		}
	}

	c.mu.RLock()
	key, ok := c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownKID
	}
	c.memo.Add(kid, key)
	return key, nil
}

// Invalidate drops the cached key set, forcing a refetch on next use.
func (c *JWKSClient) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
	c.memo.Purge()
}

func (c *JWKSClient) fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys) > 0 && time.Since(c.fetchedAt) < c.ttl
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("jwks fetch: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("jwks fetch: unexpected status %d", resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("jwks read: %w", err)
		}

		var doc jwksDocument
		if err := json.Unmarshal(body, &doc); err != nil {
			return fmt.Errorf("jwks parse: %w", err)
		}

		keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
		for _, k := range doc.Keys {
			if k.Kty != "RSA" || k.Kid == "" {
				continue
			}
			pub, err := parseRSAKey(k)
			if err != nil {
				slog.Warn("skipping unparseable JWK", "kid", k.Kid, "error", err)
				continue
			}
			keys[k.Kid] = pub
		}
		if len(keys) == 0 {
			return fmt.Errorf("jwks document contained no usable RSA keys")
		}

		c.mu.Lock()
		c.keys = keys
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		c.memo.Purge()

		slog.Info("JWKS refreshed", "endpoint", c.endpoint, "keys", len(keys))
		return nil
	})
}

func parseRSAKey(k jwk) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	e := 0
	for _, b := range eb {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, fmt.Errorf("non-positive exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
