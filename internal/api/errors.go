package api

import (
	"context"
	"encoding/json"
	"net/http"
)

// Error codes returned in the canonical envelope.
const (
	CodeAuthentication  = "AUTHENTICATION_ERROR"
	CodeAuthorization   = "AUTHORIZATION_ERROR"
	CodeValidation      = "VALIDATION_ERROR"
	CodeRateLimit       = "RATE_LIMIT_ERROR"
	CodeExternalService = "EXTERNAL_SERVICE_ERROR"
	CodeJWKSUnavailable = "JWKS_UNAVAILABLE"
	CodeConnectionLimit = "CONNECTION_LIMIT_EXCEEDED"
	CodeUnknownTopic    = "UNKNOWN_TOPIC"
	CodeInternal        = "INTERNAL_ERROR"
)

// ErrorEnvelope is the body of every non-2xx response.
type ErrorEnvelope struct {
	TraceID string                 `json:"trace_id,omitempty"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type requestIDKey struct{}

// WithRequestID stores the request id on the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom retrieves the request id assigned by the edge.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// writeError emits the canonical error envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorEnvelope{
		TraceID: RequestIDFrom(r.Context()),
		Code:    code,
		Message: message,
		Details: details,
	})
}

// writeJSON emits a 2xx JSON body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
