// Package auth verifies bearer tokens against the identity provider's
// published signing keys and validates opaque API keys from the configured
// table. It produces the per-request auth context consumed by the edge
// pipeline and the streaming fabric.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// KeyProvider resolves a key id to RSA verification material.
type KeyProvider interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// UserInfo is the projection of a verified token used by handlers.
type UserInfo struct {
	Subject  string   `json:"user_id"`
	Tenant   string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
	Email    string   `json:"email,omitempty"`
	Username string   `json:"username,omitempty"`
}

// TokenPair is the result of a refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// Verifier validates bearer tokens. RSA-signed tokens are checked against
// the identity provider's JWKS; HMAC-signed tokens (the pair minted by the
// refresh flow) are checked against the local secret.
type Verifier struct {
	keys        KeyProvider
	allowedAlgs map[string]bool
	localSecret []byte
	issuer      string
	tenantClaim string
	accessTTL   time.Duration
	refreshTTL  time.Duration
}

// VerifierConfig tunes a Verifier.
type VerifierConfig struct {
	AllowedAlgs []string
	LocalSecret string
	Issuer      string
	TenantClaim string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
}

// NewVerifier creates a Verifier backed by the given key provider.
func NewVerifier(keys KeyProvider, cfg VerifierConfig) *Verifier {
	algs := cfg.AllowedAlgs
	if len(algs) == 0 {
		algs = []string{"RS256"}
	}
	allowed := make(map[string]bool, len(algs)+1)
	for _, a := range algs {
		allowed[a] = true
	}
	if cfg.LocalSecret != "" {
		allowed["HS256"] = true
	}
	if cfg.TenantClaim == "" {
		cfg.TenantClaim = "tenant_id"
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 24 * time.Hour
	}
	return &Verifier{
		keys:        keys,
		allowedAlgs: allowed,
		localSecret: []byte(cfg.LocalSecret),
		issuer:      cfg.Issuer,
		tenantClaim: cfg.TenantClaim,
		accessTTL:   cfg.AccessTTL,
		refreshTTL:  cfg.RefreshTTL,
	}
}

// Verify strips any "Bearer " prefix, checks the signature against the
// declared key, and validates the standard time claims.
func (v *Verifier) Verify(ctx context.Context, token string) (jwt.MapClaims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, ErrMalformed
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		if !v.allowedAlgs[alg] {
			return nil, fmt.Errorf("%w: %s", ErrDisallowedAlg, alg)
		}
		if strings.HasPrefix(alg, "HS") {
			if len(v.localSecret) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrDisallowedAlg, alg)
			}
			return v.localSecret, nil
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrMissingKID
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, mapJWTError(err)
	}
	if !parsed.Valid {
		return nil, ErrBadSignature
	}
	return claims, nil
}

// UserInfoFromToken verifies the token and projects the claims. Roles are
// unioned from the realm-access and resource-access claim trees.
func (v *Verifier) UserInfoFromToken(ctx context.Context, token string) (*UserInfo, error) {
	claims, err := v.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	return v.project(claims), nil
}

func (v *Verifier) project(claims jwt.MapClaims) *UserInfo {
	info := &UserInfo{}
	if sub, _ := claims["sub"].(string); sub != "" {
		info.Subject = sub
	}
	if t, _ := claims[v.tenantClaim].(string); t != "" {
		info.Tenant = t
	}
	if e, _ := claims["email"].(string); e != "" {
		info.Email = e
	}
	if u, _ := claims["preferred_username"].(string); u != "" {
		info.Username = u
	}

	seen := map[string]bool{}
	addRoles := func(raw any) {
		list, ok := raw.([]any)
		if !ok {
			return
		}
		for _, r := range list {
			if s, ok := r.(string); ok && !seen[s] {
				seen[s] = true
				info.Roles = append(info.Roles, s)
			}
		}
	}
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		addRoles(realm["roles"])
	}
	if res, ok := claims["resource_access"].(map[string]any); ok {
		for _, clientRaw := range res {
			if client, ok := clientRaw.(map[string]any); ok {
				addRoles(client["roles"])
			}
		}
	}
	if raw, ok := claims["roles"]; ok {
		addRoles(raw)
	}
	return info
}

// Refresh verifies the refresh token, asserts the token-type claim, and
// mints a fresh access+refresh pair for the same subject.
func (v *Verifier) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := v.Verify(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if typ, _ := claims["typ"].(string); typ != "refresh" {
		return nil, ErrNotRefreshToken
	}
	return v.MintPair(claims)
}

// MintPair issues a locally signed access+refresh pair carrying the
// identity claims of the source token.
func (v *Verifier) MintPair(src jwt.MapClaims) (*TokenPair, error) {
	if len(v.localSecret) == 0 {
		return nil, errors.New("no local signing secret configured")
	}

	now := time.Now()
	base := jwt.MapClaims{
		"sub": src["sub"],
		"iss": v.issuer,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
	}
	if t, ok := src[v.tenantClaim]; ok {
		base[v.tenantClaim] = t
	}
	if r, ok := src["roles"]; ok {
		base["roles"] = r
	}
	if ra, ok := src["realm_access"]; ok {
		base["realm_access"] = ra
	}

	access := cloneClaims(base)
	access["typ"] = "access"
	access["exp"] = now.Add(v.accessTTL).Unix()

	refresh := cloneClaims(base)
	refresh["typ"] = "refresh"
	refresh["exp"] = now.Add(v.refreshTTL).Unix()

	accessStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, access).SignedString(v.localSecret)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}
	refreshStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refresh).SignedString(v.localSecret)
	if err != nil {
		return nil, fmt.Errorf("mint refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessStr,
		RefreshToken: refreshStr,
		ExpiresIn:    int64(v.accessTTL.Seconds()),
		TokenType:    "Bearer",
	}, nil
}

func cloneClaims(c jwt.MapClaims) jwt.MapClaims {
	out := make(jwt.MapClaims, len(c)+2)
	for k, val := range c {
		out[k] = val
	}
	return out
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, ErrMissingKID),
		errors.Is(err, ErrUnknownKID),
		errors.Is(err, ErrDisallowedAlg),
		errors.Is(err, ErrJWKSUnavailable):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return ErrNotYetValid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	default:
		// Keyfunc errors arrive wrapped; surface the taxonomy when present.
		for _, sentinel := range []error{ErrMissingKID, ErrUnknownKID, ErrDisallowedAlg, ErrJWKSUnavailable} {
			if errors.Is(err, sentinel) {
				return sentinel
			}
		}
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
