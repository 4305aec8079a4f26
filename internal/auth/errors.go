package auth

import "errors"

// Verification failures map to 401 at the edge; ErrJWKSUnavailable maps to
// 503 because the gateway, not the caller, is at fault.
var (
	ErrMissingKID      = errors.New("token header missing kid")
	ErrUnknownKID      = errors.New("no key matches token kid")
	ErrBadSignature    = errors.New("token signature invalid")
	ErrExpired         = errors.New("token expired")
	ErrNotYetValid     = errors.New("token not yet valid")
	ErrMalformed       = errors.New("token malformed")
	ErrDisallowedAlg   = errors.New("token algorithm not allowed")
	ErrJWKSUnavailable = errors.New("signing keys unavailable")
	ErrNotRefreshToken = errors.New("token is not a refresh token")
	ErrUnknownAPIKey   = errors.New("unknown api key")
)
