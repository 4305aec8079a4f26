// The gateway binary is the access layer: an authenticated, entitled,
// rate-limited, cached REST and streaming edge over the platform's
// market-data services.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/commodix/access-layer/internal/api"
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

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	setupLogging(cfg.Server.LogLevel)

	m := metrics.New()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		slog.Info("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		m.BreakerState.WithLabelValues(name).Set(float64(to))
	}
	breakers := circuitbreaker.NewManager(breakerCfg)

	jwks := auth.NewJWKSClient(cfg.Auth.JWKSEndpoint, cfg.Auth.JWKSCacheTTL, cfg.Auth.FetchTimeout, breakers)
	verifier := auth.NewVerifier(jwks, auth.VerifierConfig{
		AllowedAlgs: cfg.Auth.AllowedAlgs,
		LocalSecret: cfg.Auth.LocalSecret,
		Issuer:      cfg.Auth.Issuer,
		TenantClaim: cfg.Auth.TenantClaim,
		AccessTTL:   cfg.Auth.AccessTTL,
		RefreshTTL:  cfg.Auth.RefreshTTL,
	})
	apiKeys := auth.NewAPIKeyTable(cfg.Auth.APIKeys)

	store, err := ruleStore(cfg)
	if err != nil {
		log.Fatalf("rule store: %v", err)
	}
	entitlements := entitlement.NewEngine(store, 60*time.Second)

	limiter := ratelimit.New(rdb, ratelimit.Config{
		Window:    cfg.RateLimit.Window,
		Limits:    cfg.RateLimit.Limits,
		Overrides: cfg.RateLimit.Overrides,
	})

	responseCache := cache.New(rdb, cfg.Cache.TTLOverrides)
	warmer, err := cache.NewWarmer(responseCache, cfg.Cache.HotCatalogPath, cfg.Cache.WarmConcurrency)
	if err != nil {
		log.Fatalf("cache warmer: %v", err)
	}

	registry := stream.NewRegistry(stream.RegistryConfig{
		MaxConnections:   cfg.Streaming.MaxConnections,
		QueueSize:        cfg.Streaming.QueueSize,
		HeartbeatTimeout: cfg.Streaming.HeartbeatTimeout,
		SweepInterval:    cfg.Streaming.SweepInterval,
	}, m)

	fabric := stream.NewFabric(registry, nil, entitlements, m)
	if cfg.Bus.ProjectID != "" {
		consumer, err := stream.NewPubSubConsumer(context.Background(), cfg.Bus.ProjectID, cfg.Bus.Subscription, fabric)
		if err != nil {
			log.Fatalf("bus consumer: %v", err)
		}
		fabric.AttachBus(consumer)
	} else {
		slog.Warn("no bus project configured, streaming serves local events only")
	}

	wf := workflow.NewEngine(taskEventSink(fabric), m)

	server := api.NewServer(api.Deps{
		Config:       cfg,
		Verifier:     verifier,
		APIKeys:      apiKeys,
		Entitlements: entitlements,
		Limiter:      limiter,
		Cache:        responseCache,
		Warmer:       warmer,
		Breakers:     breakers,
		Fabric:       fabric,
		Workflow:     wf,
		Metrics:      m,
		Redis:        rdb,
	})

	if err := server.Start(); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func ruleStore(cfg *config.Config) (entitlement.Store, error) {
	if cfg.RuleStore.Driver == "postgres" {
		return entitlement.NewPostgresStore(cfg.RuleStore.DSN)
	}
	return entitlement.NewMemoryStore(), nil
}

// taskEventSink republishes workflow events on the task topic so
// streaming subscribers see lifecycle changes live.
func taskEventSink(fabric *stream.Fabric) workflow.EventSink {
	var offset atomic.Int64
	return func(ev workflow.Event) {
		raw, err := json.Marshal(ev)
		if err != nil {
			return
		}
		var data map[string]interface{}
		if err := json.Unmarshal(raw, &data); err != nil {
			return
		}
		fabric.Dispatch(stream.Envelope{
			Topic:     "task.events.v1",
			Data:      data,
			Timestamp: ev.Timestamp,
			Partition: 0,
			Offset:    offset.Add(1) - 1,
		})
	}
}
