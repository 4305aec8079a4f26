// Package api is the gateway's edge: request-id tagging, rate limiting,
// authentication, entitlement checks, response caching, and proxying to
// downstream services behind circuit breakers.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/commodix/access-layer/internal/auth"
	"github.com/commodix/access-layer/internal/cache"
	"github.com/commodix/access-layer/internal/circuitbreaker"
	"github.com/commodix/access-layer/internal/config"
	"github.com/commodix/access-layer/internal/entitlement"
	"github.com/commodix/access-layer/internal/metrics"
	"github.com/commodix/access-layer/internal/ratelimit"
	"github.com/commodix/access-layer/internal/stream"
	"github.com/commodix/access-layer/internal/workflow"
)

// Downstream service names used for breaker scoping and fallbacks.
const (
	downstreamMarketData  = "marketdata"
	downstreamProjections = "projections"
)

// Deps carries everything the server composes.
type Deps struct {
	Config       *config.Config
	Verifier     *auth.Verifier
	APIKeys      *auth.APIKeyTable
	Entitlements *entitlement.Engine
	Limiter      *ratelimit.Limiter
	Cache        *cache.Cache
	Warmer       *cache.Warmer
	Breakers     *circuitbreaker.Manager
	Fabric       *stream.Fabric
	Workflow     *workflow.Engine
	Metrics      *metrics.Metrics
	Redis        *redis.Client
}

// Server is the HTTP edge of the access layer.
type Server struct {
	cfg          *config.Config
	router       *mux.Router
	verifier     *auth.Verifier
	apiKeys      *auth.APIKeyTable
	entitlements *entitlement.Engine
	limiter      *ratelimit.Limiter
	cache        *cache.Cache
	warmer       *cache.Warmer
	breakers     *circuitbreaker.Manager
	proxy        *proxyClient
	fabric       *stream.Fabric
	workflow     *workflow.Engine
	metrics      *metrics.Metrics
	rdb          *redis.Client
	logger       *slog.Logger
	started      time.Time
}

// NewServer wires the edge pipeline and registers every route.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:          d.Config,
		router:       mux.NewRouter(),
		verifier:     d.Verifier,
		apiKeys:      d.APIKeys,
		entitlements: d.Entitlements,
		limiter:      d.Limiter,
		cache:        d.Cache,
		warmer:       d.Warmer,
		breakers:     d.Breakers,
		proxy:        newProxyClient(d.Config.Downstreams, d.Breakers),
		fabric:       d.Fabric,
		workflow:     d.Workflow,
		metrics:      d.Metrics,
		rdb:          d.Redis,
		logger:       slog.Default().With("component", "api"),
		started:      time.Now(),
	}
	s.registerFallbacks()
	s.registerCacheLoaders()
	s.routes()
	return s
}

// registerCacheLoaders lets the warmer pull hot entries straight through
// the downstream proxy. Hot-catalog keys are request paths, split here
// into path and query.
func (s *Server) registerCacheLoaders() {
	byDownstream := map[cache.Class]string{
		cache.ClassInstruments:       downstreamMarketData,
		cache.ClassCurves:            downstreamMarketData,
		cache.ClassProducts:          downstreamMarketData,
		cache.ClassPricing:           downstreamMarketData,
		cache.ClassServedLatestPrice: downstreamProjections,
	}
	for class, downstream := range byDownstream {
		ds := downstream
		s.cache.RegisterLoader(class, func(ctx context.Context, _ string, key string) (interface{}, error) {
			path, query := key, ""
			if i := strings.Index(key, "?"); i >= 0 {
				path, query = key[:i], key[i+1:]
			}
			raw, err := s.proxy.fetch(ctx, ds, path, query)
			if err != nil {
				return nil, err
			}
			return json.RawMessage(raw), nil
		})
	}
}

// registerFallbacks installs degraded-mode payloads for reference data so
// open breakers don't blank the UI.
func (s *Server) registerFallbacks() {
	s.proxy.registerFallback(downstreamMarketData, map[string]interface{}{
		"items":  []interface{}{},
		"note":   "reference data temporarily unavailable",
		"stale":  true,
		"source": "fallback",
	})
}

// Router exposes the configured router, mostly for tests.
func (s *Server) Router() *mux.Router { return s.router }

// authn wraps a handler with the authentication middleware.
func (s *Server) authn(next http.HandlerFunc) http.HandlerFunc {
	h := s.authenticate(next)
	return func(w http.ResponseWriter, r *http.Request) { h.ServeHTTP(w, r) }
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.requestID, s.instrument, s.rateLimit)

	// Liveness and introspection.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/metadata/routes", s.handleRoutes).Methods(http.MethodGet)

	// Auth surface.
	r.HandleFunc("/auth/verify", s.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.authn(s.handleLogout)).Methods(http.MethodPost)

	// Data lookups: authenticated, entitled, cached.
	r.HandleFunc("/api/v1/instruments",
		s.authn(s.entitle("instrument", "read", s.dataHandler(cache.ClassInstruments, "instruments", downstreamMarketData)))).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/curves",
		s.authn(s.entitle("curves", "read", s.dataHandler(cache.ClassCurves, "curves", downstreamMarketData)))).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/products",
		s.authn(s.entitle("products", "read", s.dataHandler(cache.ClassProducts, "products", downstreamMarketData)))).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/pricing",
		s.authn(s.entitle("pricing", "read", s.dataHandler(cache.ClassPricing, "pricing", downstreamMarketData)))).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/historical",
		s.authn(s.entitle("historical", "read", s.dataHandler(cache.ClassHistorical, "historical", downstreamMarketData)))).Methods(http.MethodGet)

	// Served projections.
	r.HandleFunc("/api/v1/served/latest-price/{id}",
		s.authn(s.entitle("pricing", "read", s.dataHandler(cache.ClassServedLatestPrice, "latest_price", downstreamProjections)))).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/served/curve-snapshots/{id}",
		s.authn(s.entitle("curves", "read", s.dataHandler(cache.ClassServedCurveSnapshot, "curve_snapshot", downstreamProjections)))).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/served/custom-projections/{id}",
		s.authn(s.entitle("projections", "read", s.dataHandler(cache.ClassServedCustomProjection, "projection", downstreamProjections)))).Methods(http.MethodGet)

	// Cache administration and introspection.
	r.HandleFunc("/api/v1/cache/warm", s.authn(s.requireRole("admin", s.handleCacheWarm))).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/cache/stats", s.authn(s.handleCacheStats)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/cache/catalog", s.authn(s.handleCacheCatalog)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/circuit-breakers", s.authn(s.handleBreakers)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/rate-limits", s.authn(s.handleRateLimits)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/topics", s.authn(s.handleTopics)).Methods(http.MethodGet)

	// Task workflow.
	wf := r.PathPrefix("/api/v1/workflow").Subrouter()
	wf.HandleFunc("/rftps", s.authn(s.handleCreateRFTP)).Methods(http.MethodPost)
	wf.HandleFunc("/rftps", s.authn(s.handleListRFTPs)).Methods(http.MethodGet)
	wf.HandleFunc("/rftps/{id}", s.authn(s.handleGetRFTP)).Methods(http.MethodGet)
	wf.HandleFunc("/rftps/{id}", s.authn(s.handleUpdateRFTP)).Methods(http.MethodPut)
	wf.HandleFunc("/rftps/{id}/submit", s.authn(s.handleSubmitRFTP)).Methods(http.MethodPost)
	wf.HandleFunc("/rftps/{id}/reject", s.authn(s.requireRole("admin", s.handleRejectRFTP))).Methods(http.MethodPost)
	wf.HandleFunc("/proposals", s.authn(s.handleCreateProposal)).Methods(http.MethodPost)
	wf.HandleFunc("/proposals/{id}/accept", s.authn(s.handleAcceptProposal)).Methods(http.MethodPost)
	wf.HandleFunc("/tasks", s.authn(s.handleListTasks)).Methods(http.MethodGet)
	wf.HandleFunc("/tasks/{id}", s.authn(s.handleGetTask)).Methods(http.MethodGet)
	wf.HandleFunc("/tasks/{id}/approve", s.authn(s.handleApproveTask)).Methods(http.MethodPost)
	wf.HandleFunc("/tasks/{id}/start", s.authn(s.handleStartTask)).Methods(http.MethodPost)
	wf.HandleFunc("/tasks/{id}/progress", s.authn(s.handleTaskProgress)).Methods(http.MethodPost)
	wf.HandleFunc("/tasks/{id}/complete", s.authn(s.handleCompleteTask)).Methods(http.MethodPost)
	wf.HandleFunc("/tasks/{id}/cancel", s.authn(s.handleCancelTask)).Methods(http.MethodPost)
	wf.HandleFunc("/tasks/{id}/terminate", s.authn(s.handleTerminateTask)).Methods(http.MethodPost)
	wf.HandleFunc("/tasks/{id}/reject", s.authn(s.handleRejectTask)).Methods(http.MethodPost)
	wf.HandleFunc("/dashboard", s.authn(s.handleWorkflowDashboard)).Methods(http.MethodGet)
	wf.HandleFunc("/events", s.authn(s.handleWorkflowEvents)).Methods(http.MethodGet)

	// Streaming transports authenticate their own token.
	streamAuth := s.streamAuthenticator()
	r.HandleFunc("/ws/stream", s.fabric.HandleWebSocket(streamAuth)).Methods(http.MethodGet)
	r.HandleFunc("/sse/stream", s.fabric.HandleSSE(streamAuth)).Methods(http.MethodGet)
	r.HandleFunc("/sse/subscribe", s.fabric.HandleSSESubscribe(streamAuth)).Methods(http.MethodPost)
}

// streamAuthenticator verifies streaming tokens with the same verifier
// the REST surface uses.
func (s *Server) streamAuthenticator() stream.Authenticator {
	return func(ctx context.Context, token string) (*auth.UserInfo, error) {
		return s.verifier.UserInfoFromToken(ctx, token)
	}
}

// Start runs the server and blocks until SIGINT/SIGTERM, then shuts down
// gracefully.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         ":" + s.cfg.Server.Port,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming responses manage their own deadlines
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "port", s.cfg.Server.Port, "env", s.cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.fabric.Close()
	return srv.Shutdown(ctx)
}
