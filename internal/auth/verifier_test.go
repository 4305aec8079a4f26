package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commodix/access-layer/internal/config"
)

// staticKeys is a fixed JWKS snapshot for deterministic verification tests.
type staticKeys struct {
	keys map[string]*rsa.PublicKey
}

func (s *staticKeys) Key(_ context.Context, kid string) (*rsa.PublicKey, error) {
	key, ok := s.keys[kid]
	if !ok {
		return nil, ErrUnknownKID
	}
	return key, nil
}

func newTestSetup(t *testing.T) (*Verifier, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keys := &staticKeys{keys: map[string]*rsa.PublicKey{"test-kid": &priv.PublicKey}}
	v := NewVerifier(keys, VerifierConfig{
		AllowedAlgs: []string{"RS256"},
		LocalSecret: "unit-test-secret",
		Issuer:      "access-layer",
		TenantClaim: "tenant_id",
	})
	return v, priv
}

func signRS256(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(priv)
	require.NoError(t, err)
	return s
}

func baseClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":       "u1",
		"tenant_id": "t1",
		"iat":       now.Unix(),
		"exp":       now.Add(time.Hour).Unix(),
	}
}

func TestVerifyValidToken(t *testing.T) {
	v, priv := newTestSetup(t)
	token := signRS256(t, priv, "test-kid", baseClaims())

	claims, err := v.Verify(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims["sub"])
	assert.Equal(t, "t1", claims["tenant_id"])

	// Same token, same snapshot, same result.
	again, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, claims, again)
}

func TestVerifyFailures(t *testing.T) {
	v, priv := newTestSetup(t)

	t.Run("expired", func(t *testing.T) {
		c := baseClaims()
		c["exp"] = time.Now().Add(-time.Minute).Unix()
		_, err := v.Verify(context.Background(), signRS256(t, priv, "test-kid", c))
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("not yet valid", func(t *testing.T) {
		c := baseClaims()
		c["nbf"] = time.Now().Add(time.Hour).Unix()
		_, err := v.Verify(context.Background(), signRS256(t, priv, "test-kid", c))
		assert.ErrorIs(t, err, ErrNotYetValid)
	})

	t.Run("missing kid", func(t *testing.T) {
		_, err := v.Verify(context.Background(), signRS256(t, priv, "", baseClaims()))
		assert.ErrorIs(t, err, ErrMissingKID)
	})

	t.Run("unknown kid", func(t *testing.T) {
		_, err := v.Verify(context.Background(), signRS256(t, priv, "other-kid", baseClaims()))
		assert.ErrorIs(t, err, ErrUnknownKID)
	})

	t.Run("bad signature", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		_, err = v.Verify(context.Background(), signRS256(t, other, "test-kid", baseClaims()))
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := v.Verify(context.Background(), "not-a-token")
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestUserInfoRolesUnion(t *testing.T) {
	v, priv := newTestSetup(t)
	c := baseClaims()
	c["email"] = "u1@example.com"
	c["preferred_username"] = "u1"
	c["realm_access"] = map[string]any{"roles": []any{"user", "trader"}}
	c["resource_access"] = map[string]any{
		"gateway": map[string]any{"roles": []any{"trader", "admin"}},
	}

	info, err := v.UserInfoFromToken(context.Background(), signRS256(t, priv, "test-kid", c))
	require.NoError(t, err)
	assert.Equal(t, "u1", info.Subject)
	assert.Equal(t, "t1", info.Tenant)
	assert.Equal(t, "u1@example.com", info.Email)
	assert.ElementsMatch(t, []string{"user", "trader", "admin"}, info.Roles)
}

func TestRefreshFlow(t *testing.T) {
	v, priv := newTestSetup(t)

	// Mint an initial pair off a verified bearer identity.
	claims, err := v.Verify(context.Background(), signRS256(t, priv, "test-kid", baseClaims()))
	require.NoError(t, err)
	pair, err := v.MintPair(claims)
	require.NoError(t, err)
	require.NotEmpty(t, pair.RefreshToken)

	// Refreshing with the refresh token yields a new pair for the subject.
	next, err := v.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	got, err := v.Verify(context.Background(), next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", got["sub"])
	assert.Equal(t, "t1", got["tenant_id"])

	// An access token is not accepted by the refresh path.
	_, err = v.Refresh(context.Background(), next.AccessToken)
	assert.ErrorIs(t, err, ErrNotRefreshToken)
}

func TestAPIKeyTable(t *testing.T) {
	table := NewAPIKeyTable(map[string]config.APIKey{
		"dev-key-123": {Tenant: "tenant-1", Roles: []string{"user"}},
	})

	ctx, err := table.Validate("dev-key-123")
	require.NoError(t, err)
	assert.Equal(t, "api-key-dev-key-123", ctx.Subject)
	assert.Equal(t, "tenant-1", ctx.Tenant)
	assert.Equal(t, MethodAPIKey, ctx.Method)
	assert.True(t, ctx.HasRole("user"))

	_, err = table.Validate("nope")
	assert.ErrorIs(t, err, ErrUnknownAPIKey)

	_, err = table.Validate("")
	assert.ErrorIs(t, err, ErrUnknownAPIKey)
}
