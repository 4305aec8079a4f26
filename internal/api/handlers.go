package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/commodix/access-layer/internal/auth"
	"github.com/commodix/access-layer/internal/cache"
	"github.com/commodix/access-layer/internal/circuitbreaker"
	"github.com/commodix/access-layer/internal/stream"
)

// dataHandler serves a cached, entitled data lookup backed by a
// downstream service. The downstream payload is cached under the request
// path+query; the envelope around it is assembled per request.
func (s *Server) dataHandler(class cache.Class, field, downstream string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.IdentityFrom(r.Context())

		key := r.URL.Path
		if r.URL.RawQuery != "" {
			key += "?" + r.URL.RawQuery
		}

		if raw, ok := s.cache.Get(r.Context(), class, id.Tenant, id.Subject, key); ok {
			if s.metrics != nil {
				s.metrics.CacheRequests.WithLabelValues(string(class), "hit").Inc()
			}
			s.writeData(w, field, raw, id, true, false)
			return
		}
		if s.metrics != nil {
			s.metrics.CacheRequests.WithLabelValues(string(class), "miss").Inc()
		}

		raw, err := s.proxy.fetch(r.Context(), downstream, r.URL.Path, r.URL.RawQuery)
		if err != nil {
			s.handleDownstreamError(w, r, downstream, field, id, err)
			return
		}

		if err := s.cache.Set(r.Context(), class, id.Tenant, id.Subject, key, json.RawMessage(raw)); err != nil {
			s.logger.Warn("cache set failed", "class", class, "error", err)
		}
		s.writeData(w, field, raw, id, false, false)
	}
}

func (s *Server) writeData(w http.ResponseWriter, field string, raw json.RawMessage, id *auth.Context, cached, fallback bool) {
	body := map[string]interface{}{
		field:    raw,
		"cached": cached,
		"user":   id.Subject,
		"tenant": id.Tenant,
	}
	if fallback {
		body["fallback"] = true
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDownstreamError(w http.ResponseWriter, r *http.Request, downstream, field string, id *auth.Context, err error) {
	var app *appError
	if errors.As(err, &app) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(app.status)
		w.Write(app.body)
		return
	}

	if s.metrics != nil {
		s.metrics.DownstreamErrors.WithLabelValues(downstream).Inc()
	}
	if raw, ok := s.proxy.fallback(downstream); ok {
		s.logger.Warn("serving fallback payload", "downstream", downstream, "error", err)
		s.writeData(w, field, raw, id, false, true)
		return
	}

	status := http.StatusBadGateway
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrProbeInFlight) {
		status = http.StatusServiceUnavailable
	}
	writeError(w, r, status, CodeExternalService, "downstream request failed",
		map[string]interface{}{"downstream": downstream})
}

// --- auth surface ---

type verifyRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "body must carry a token", nil)
		return
	}

	claims, err := s.verifier.Verify(r.Context(), req.Token)
	if err != nil {
		if errors.Is(err, auth.ErrJWKSUnavailable) {
			writeError(w, r, http.StatusServiceUnavailable, CodeJWKSUnavailable, "signing keys unavailable", nil)
			return
		}
		s.authFailure("verify")
		writeError(w, r, http.StatusUnauthorized, CodeAuthentication, "token verification failed",
			map[string]interface{}{"reason": err.Error()})
		return
	}

	info, _ := s.verifier.UserInfoFromToken(r.Context(), req.Token)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":  true,
		"claims": claims,
		"user":   info,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "body must carry a refresh_token", nil)
		return
	}

	pair, err := s.verifier.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.authFailure("refresh")
		writeError(w, r, http.StatusUnauthorized, CodeAuthentication, "refresh failed",
			map[string]interface{}{"reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleLogout revokes the presented token best-effort: the token is
// blacklisted in the distributed store until its natural expiry window.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if s.rdb != nil && token != "" {
		if err := s.rdb.Set(r.Context(), "revoked:"+token, "1", 24*time.Hour).Err(); err != nil {
			s.logger.Warn("logout revocation failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "logged_out"})
}

// --- health and introspection ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	deps := map[string]string{}
	healthy := true

	if s.rdb != nil {
		if err := s.rdb.Ping(r.Context()).Err(); err != nil {
			deps["redis"] = "unavailable"
			healthy = false
		} else {
			deps["redis"] = "ok"
		}
	}
	for _, snap := range s.breakers.Snapshots() {
		if snap.State == circuitbreaker.StateOpen.String() {
			deps["breaker:"+snap.Name] = "open"
			healthy = false
		}
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":       state,
		"dependencies": deps,
		"uptime":       time.Since(s.started).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":     "access-layer",
		"env":         s.cfg.Server.Env,
		"uptime":      time.Since(s.started).String(),
		"streaming":   s.fabric.Registry.Stats(),
		"rate_limits": s.limiter.GlobalStats(),
		"cache":       s.cache.Stats(),
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"circuit_breakers": s.breakers.Snapshots(),
	})
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"limits":    s.cfg.RateLimit.Limits,
		"overrides": s.cfg.RateLimit.Overrides,
		"window":    s.cfg.RateLimit.Window.String(),
		"stats":     s.limiter.GlobalStats(),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleCacheCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"classes": s.cache.Catalog()})
}

func (s *Server) handleCacheWarm(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	summary := s.warmer.Warm(r.Context(), id.Subject, id.Tenant)
	writeJSON(w, http.StatusOK, summary)
}

// handleRoutes lists every registered route for discovery tooling.
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	type routeInfo struct {
		Path    string   `json:"path"`
		Methods []string `json:"methods,omitempty"`
	}
	routes := []routeInfo{}
	s.router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		tpl, err := route.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, _ := route.GetMethods()
		routes = append(routes, routeInfo{Path: tpl, Methods: methods})
		return nil
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": routes})
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	topics := make([]stream.TopicInfo, 0, len(stream.Topics))
	for _, info := range stream.Topics {
		topics = append(topics, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"topics": topics})
}
