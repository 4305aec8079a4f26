package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commodix/access-layer/internal/circuitbreaker"
)

func jwksDoc(t *testing.T, kid string, pub *rsa.PublicKey) []byte {
	t.Helper()
	doc := jwksDocument{Keys: []jwk{{
		Kty: "RSA",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	return b
}

func TestJWKSFetchAndLookup(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write(jwksDoc(t, "k1", &priv.PublicKey))
	}))
	defer srv.Close()

	c := NewJWKSClient(srv.URL, time.Hour, time.Second, circuitbreaker.NewManager(circuitbreaker.DefaultConfig()))

	key, err := c.Key(context.Background(), "k1")
	require.NoError(t, err)
	assert.Zero(t, key.N.Cmp(priv.PublicKey.N))

	// Second lookup is served from cache.
	_, err = c.Key(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetches.Load())

	_, err = c.Key(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownKID)
}

func TestJWKSStaleFallback(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(jwksDoc(t, "k1", &priv.PublicKey))
	}))
	defer srv.Close()

	// Zero TTL forces a refresh attempt on every lookup.
	c := NewJWKSClient(srv.URL, time.Nanosecond, time.Second, circuitbreaker.NewManager(circuitbreaker.DefaultConfig()))

	_, err = c.Key(context.Background(), "k1")
	require.NoError(t, err)

	// Endpoint starts failing: stale cache is still served.
	fail.Store(true)
	key, err := c.Key(context.Background(), "k1")
	require.NoError(t, err)
	assert.NotNil(t, key)
}

func TestJWKSUnavailableWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewJWKSClient(srv.URL, time.Hour, time.Second, circuitbreaker.NewManager(circuitbreaker.DefaultConfig()))
	_, err := c.Key(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrJWKSUnavailable)
}
