package auth

import (
	"crypto/subtle"

	"github.com/commodix/access-layer/internal/config"
)

// APIKeyTable validates opaque API keys against the configured table.
// Key lookup uses constant-time comparison to avoid timing leaks.
type APIKeyTable struct {
	keys map[string]config.APIKey
}

// NewAPIKeyTable builds the table from configuration.
func NewAPIKeyTable(keys map[string]config.APIKey) *APIKeyTable {
	if keys == nil {
		keys = map[string]config.APIKey{}
	}
	return &APIKeyTable{keys: keys}
}

// Validate returns the auth context for a known key. The synthetic subject
// id is "api-key-<key>" so downstream audit trails distinguish key clients
// from bearer subjects.
func (t *APIKeyTable) Validate(key string) (*Context, error) {
	if key == "" {
		return nil, ErrUnknownAPIKey
	}
	for candidate, entry := range t.keys {
		if len(candidate) == len(key) &&
			subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			roles := make([]string, len(entry.Roles))
			copy(roles, entry.Roles)
			return &Context{
				Subject: "api-key-" + key,
				Tenant:  entry.Tenant,
				Roles:   roles,
				Method:  MethodAPIKey,
			}, nil
		}
	}
	return nil, ErrUnknownAPIKey
}
