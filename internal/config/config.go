// Package config loads the gateway configuration from a YAML file with
// environment variable overrides. A .env file, when present, is loaded
// before overrides are applied.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Redis       RedisConfig       `yaml:"redis"`
	Bus         BusConfig         `yaml:"bus"`
	RuleStore   RuleStoreConfig   `yaml:"rule_store"`
	Cache       CacheConfig       `yaml:"cache"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Streaming   StreamingConfig   `yaml:"streaming"`
	Downstreams DownstreamsConfig `yaml:"downstreams"`
}

type ServerConfig struct {
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
}

type AuthConfig struct {
	JWKSEndpoint string            `yaml:"jwks_endpoint"`
	Issuer       string            `yaml:"issuer"`
	AllowedAlgs  []string          `yaml:"allowed_algs"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	LocalSecret  string            `yaml:"local_secret"`
	APIKeys      map[string]APIKey `yaml:"api_keys"`
	TenantClaim  string            `yaml:"tenant_claim"`
	RefreshTTL   time.Duration     `yaml:"refresh_ttl"`
	AccessTTL    time.Duration     `yaml:"access_ttl"`
	FetchTimeout time.Duration     `yaml:"fetch_timeout"`
}

// APIKey is one entry in the opaque API-key table.
type APIKey struct {
	Tenant string   `yaml:"tenant"`
	Roles  []string `yaml:"roles"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BusConfig struct {
	ProjectID    string `yaml:"project_id"`
	Subscription string `yaml:"subscription"`
}

type RuleStoreConfig struct {
	Driver string `yaml:"driver"` // "postgres" or "memory"
	DSN    string `yaml:"dsn"`
}

type CacheConfig struct {
	TTLOverrides    map[string]time.Duration `yaml:"ttl_overrides"`
	WarmConcurrency int                      `yaml:"warm_concurrency"`
	HotCatalogPath  string                   `yaml:"hot_catalog_path"`
}

type RateLimitConfig struct {
	Window    time.Duration  `yaml:"window"`
	Limits    map[string]int `yaml:"limits"`    // category -> requests per window
	Overrides map[string]int `yaml:"overrides"` // endpoint -> requests per window
}

type StreamingConfig struct {
	MaxConnections   int           `yaml:"max_connections"`
	QueueSize        int           `yaml:"queue_size"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// DownstreamsConfig maps downstream service names to base URLs.
type DownstreamsConfig map[string]string

// Load reads the YAML file at path (optional) and applies environment
// overrides. A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development", LogLevel: "info"},
		Auth: AuthConfig{
			AllowedAlgs:  []string{"RS256"},
			JWKSCacheTTL: time.Hour,
			TenantClaim:  "tenant_id",
			AccessTTL:    15 * time.Minute,
			RefreshTTL:   24 * time.Hour,
			FetchTimeout: 5 * time.Second,
		},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		RuleStore: RuleStoreConfig{Driver: "memory"},
		Cache:     CacheConfig{WarmConcurrency: 5},
		RateLimit: RateLimitConfig{
			Window: time.Minute,
			Limits: map[string]int{
				"public":        100,
				"authenticated": 300,
				"heavy":         20,
				"admin":         600,
			},
		},
		Streaming: StreamingConfig{
			MaxConnections:   10000,
			QueueSize:        1000,
			HeartbeatTimeout: 30 * time.Second,
			SweepInterval:    10 * time.Second,
		},
		Downstreams: DownstreamsConfig{},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("GATEWAY_ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("JWKS_ENDPOINT"); v != "" {
		cfg.Auth.JWKSEndpoint = v
	}
	if v := os.Getenv("AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("AUTH_LOCAL_SECRET"); v != "" {
		cfg.Auth.LocalSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("BUS_PROJECT_ID"); v != "" {
		cfg.Bus.ProjectID = v
	}
	if v := os.Getenv("BUS_SUBSCRIPTION"); v != "" {
		cfg.Bus.Subscription = v
	}
	if v := os.Getenv("RULE_STORE_DSN"); v != "" {
		cfg.RuleStore.Driver = "postgres"
		cfg.RuleStore.DSN = v
	}
	if v := os.Getenv("HOT_CATALOG_PATH"); v != "" {
		cfg.Cache.HotCatalogPath = v
	}
	if v := os.Getenv("WS_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Streaming.MaxConnections = n
		}
	}
	if v := os.Getenv("WS_HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Streaming.HeartbeatTimeout = d
		}
	}
}
