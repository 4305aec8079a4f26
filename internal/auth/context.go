package auth

import "context"

// Method tags how a request authenticated.
const (
	MethodBearer = "bearer"
	MethodAPIKey = "api_key"
)

// Context is the per-request identity derived from a bearer token or API
// key. It lives for one request or one streaming connection and is never
// persisted.
type Context struct {
	Subject  string
	Tenant   string
	Roles    []string
	Email    string
	Username string
	Method   string
}

// HasRole reports whether the identity carries the given role.
func (c *Context) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type identityKey struct{}

// WithIdentity stores the request identity on the context.
func WithIdentity(ctx context.Context, id *Context) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom retrieves the request identity, if authentication ran.
func IdentityFrom(ctx context.Context) (*Context, bool) {
	id, ok := ctx.Value(identityKey{}).(*Context)
	return id, ok
}
