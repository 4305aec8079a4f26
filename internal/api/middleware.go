package api

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/commodix/access-layer/internal/auth"
	"github.com/commodix/access-layer/internal/entitlement"
	"github.com/commodix/access-layer/internal/ratelimit"
)

// requestID assigns every request an id, honouring one supplied by the
// caller, and echoes it on the response.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// statusRecorder captures the status code for metrics. It forwards
// Flush and Hijack so streaming responses and WebSocket upgrades still
// work behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.status)).Inc()
			s.metrics.RequestDuration.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
		}
	})
}

// clientID identifies the caller for rate limiting: API key, bearer
// token, forwarded client IP, or remote address, in that order.
func clientID(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	if tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "); tok != "" && tok != r.Header.Get("Authorization") {
		return "tok:" + tok
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the original client.
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		return "ip:" + strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return "ip:" + real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// rateLimit gates the request through the sliding-window limiter and
// decorates the response with X-RateLimit headers.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		category := ratelimit.Categorize(r.URL.Path)
		res := s.limiter.Check(r.Context(), clientID(r), r.URL.Path, category)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(res.ResetSeconds))

		if !res.Allowed {
			if s.metrics != nil {
				s.metrics.RateLimited.WithLabelValues(category).Inc()
			}
			writeError(w, r, http.StatusTooManyRequests, CodeRateLimit,
				fmt.Sprintf("rate limit exceeded for category %s", category),
				map[string]interface{}{
					"retry_after": res.ResetSeconds,
					"limit":       res.Limit,
					"category":    category,
				})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the caller's identity from an API key or bearer
// token and stores it on the context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("X-API-Key"); key != "" {
			id, err := s.apiKeys.Validate(key)
			if err != nil {
				s.authFailure("api_key")
				writeError(w, r, http.StatusUnauthorized, CodeAuthentication, "invalid API key", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.authFailure("missing")
			writeError(w, r, http.StatusUnauthorized, CodeAuthentication, "missing bearer token or API key", nil)
			return
		}

		info, err := s.verifier.UserInfoFromToken(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			if errors.Is(err, auth.ErrJWKSUnavailable) {
				s.authFailure("jwks_unavailable")
				writeError(w, r, http.StatusServiceUnavailable, CodeJWKSUnavailable, "signing keys unavailable", nil)
				return
			}
			s.authFailure("bearer")
			writeError(w, r, http.StatusUnauthorized, CodeAuthentication, "invalid token", map[string]interface{}{"reason": err.Error()})
			return
		}

		id := &auth.Context{
			Subject:  info.Subject,
			Tenant:   info.Tenant,
			Roles:    info.Roles,
			Email:    info.Email,
			Username: info.Username,
			Method:   auth.MethodBearer,
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func (s *Server) authFailure(reason string) {
	if s.metrics != nil {
		s.metrics.AuthFailures.WithLabelValues(reason).Inc()
	}
}

// entitle checks the identity against the rule engine for a fixed
// resource/action pair. Query parameters travel in the check context so
// rules can condition on them.
func (s *Server) entitle(resource, action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFrom(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, CodeAuthentication, "no identity on request", nil)
			return
		}

		checkCtx := map[string]interface{}{
			"path":   r.URL.Path,
			"method": r.Method,
			"roles":  rolesAsAny(id.Roles),
		}
		for k, vals := range r.URL.Query() {
			if len(vals) > 0 {
				checkCtx[k] = vals[0]
			}
		}

		decision, err := s.entitlements.Check(r.Context(), &entitlement.CheckRequest{
			Subject:  id.Subject,
			Tenant:   id.Tenant,
			Resource: resource,
			Action:   action,
			Context:  checkCtx,
		})
		if err != nil {
			writeError(w, r, http.StatusServiceUnavailable, CodeExternalService, "entitlement rules unavailable",
				map[string]interface{}{"downstream": "rule-store"})
			return
		}
		if !decision.Allowed {
			writeError(w, r, http.StatusForbidden, CodeAuthorization, "not entitled", map[string]interface{}{
				"resource":      resource,
				"action":        action,
				"reason":        decision.Reason,
				"matched_rules": decision.MatchedRules,
			})
			return
		}
		next(w, r)
	}
}

// requireRole guards admin surfaces on top of authentication.
func (s *Server) requireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFrom(r.Context())
		if !ok || !id.HasRole(role) {
			writeError(w, r, http.StatusForbidden, CodeAuthorization,
				fmt.Sprintf("role %s required", role), nil)
			return
		}
		next(w, r)
	}
}

func rolesAsAny(roles []string) []interface{} {
	out := make([]interface{}, len(roles))
	for i, r := range roles {
		out[i] = r
	}
	return out
}
