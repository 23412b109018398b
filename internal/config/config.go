// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file, when present, is
// loaded into the environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example CACHE_TTL becomes cache_ttl in
// YAML.
//
// Models are not configured here; MODELS_FILE points at the models document
// read by the registry.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	Database DatabaseConfig

	// Redis holds the connection URL shared by the cache, quota store and
	// rate limiter. Required only when one of them is set to redis.
	Redis RedisConfig

	Cache  CacheConfig
	Quota  QuotaConfig
	Models ModelsConfig
	Audit  AuditConfig

	// CircuitBreaker controls per-model breaker thresholds for remote backends.
	CircuitBreaker CircuitBreakerConfig

	// BackendTimeout bounds one backend call. Default: 60s.
	BackendTimeout time.Duration

	// BatchMaxItems caps the prompts in one batch request. Default: 16.
	BatchMaxItems int

	// BatchParallel caps the items of one batch running at once. Default: 4.
	BatchParallel int

	// MetricsEnabled exposes /metrics. Default: true.
	MetricsEnabled bool

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	// Driver is one of sqlite, postgres, mysql. Default: sqlite.
	Driver string
	// DSN is the driver-specific connection string. Default: gateway.db.
	DSN string

	MaxOpenConns int
	Debug        bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the completion cache.
type CacheConfig struct {
	// Mode selects the cache tier:
	//   "memory" : In-process LRU with TTL. Not shared across replicas.
	//   "redis"  : Redis-backed (requires REDIS_URL).
	//   "sql"    : The relational store's completion_cache table.
	//   "layered": Memory in front of redis when REDIS_URL is set, else sql.
	//   "none"   : No stored entries; concurrent identical requests still
	//               share one backend call.
	// Default: "memory".
	Mode string

	// TTL is the lifetime of stored completions. Default: 1h.
	TTL time.Duration

	// MaxEntries bounds the in-process tier. Default: 10000.
	MaxEntries int

	// ExcludeModels lists model ids (exact or "re:<regexp>") that
	// are never cached.
	ExcludeModels []string

	// HitUnits is billed for cache hits and in-flight joins. Default: 0.
	HitUnits int64
}

// QuotaConfig controls admission.
type QuotaConfig struct {
	// Unit is what a quota counts: requests or tokens. Default: requests.
	Unit string

	// Window is the quota period; it restarts at first use after expiry.
	// Default: 24h.
	Window time.Duration

	// Store keeps the counters: sql or redis. Default: sql.
	Store string

	// MaxConcurrent applies to callers without their own ceiling.
	// 0 disables the check. Default: 4.
	MaxConcurrent int

	// RPMLimit applies to callers without their own rate. 0 disables
	// rate limiting. Default: 0.
	RPMLimit int
}

// ModelsConfig locates the models file.
type ModelsConfig struct {
	// File is the models document. Default: models.yaml.
	File string

	// Watch reloads the registry when File changes. Default: false.
	Watch bool

	// LoadTimeout bounds loading one local model. Default: 5m.
	LoadTimeout time.Duration

	// RequireReady makes /readyz fail until the default model is loaded.
	// Default: false.
	RequireReady bool

	// SchemasDir holds the extraction schemas, one *.json file each.
	// A missing directory disables extraction. Default: schemas.
	SchemasDir string
}

// AuditConfig controls the inference log.
type AuditConfig struct {
	// Sink is one of sql, clickhouse, log, none. Default: sql.
	Sink string

	// ClickHouseDSN is required when Sink is clickhouse.
	ClickHouseDSN string

	// Truncate bounds stored prompt and output text in runes. Default: 2000.
	Truncate int
}

// CircuitBreakerConfig controls per-model circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	cfg := fromViper(v)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("DATABASE_DRIVER", "sqlite")
	v.SetDefault("DATABASE_DSN", "gateway.db")
	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 0)
	v.SetDefault("DATABASE_DEBUG", false)

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_MAX_ENTRIES", 10_000)
	v.SetDefault("CACHE_EXCLUDE_MODELS", "")
	v.SetDefault("CACHE_HIT_UNITS", 0)

	v.SetDefault("QUOTA_UNIT", "requests")
	v.SetDefault("QUOTA_WINDOW", "24h")
	v.SetDefault("QUOTA_STORE", "sql")
	v.SetDefault("MAX_CONCURRENT_PER_CALLER", 4)
	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("BACKEND_TIMEOUT", "60s")
	v.SetDefault("MODELS_FILE", "models.yaml")
	v.SetDefault("MODELS_WATCH", false)
	v.SetDefault("MODEL_LOAD_TIMEOUT", "5m")
	v.SetDefault("REQUIRE_MODEL_READY", false)
	v.SetDefault("SCHEMAS_DIR", "schemas")

	v.SetDefault("AUDIT_SINK", "sql")
	v.SetDefault("CLICKHOUSE_DSN", "")
	v.SetDefault("AUDIT_TRUNCATE", 2000)

	v.SetDefault("BATCH_MAX_ITEMS", 16)
	v.SetDefault("BATCH_PARALLEL", 4)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("CORS_ORIGINS", "*")

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Database: DatabaseConfig{
			Driver:       strings.ToLower(v.GetString("DATABASE_DRIVER")),
			DSN:          v.GetString("DATABASE_DSN"),
			MaxOpenConns: v.GetInt("DATABASE_MAX_OPEN_CONNS"),
			Debug:        v.GetBool("DATABASE_DEBUG"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:          strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:           v.GetDuration("CACHE_TTL"),
			MaxEntries:    v.GetInt("CACHE_MAX_ENTRIES"),
			ExcludeModels: stringList(v, "CACHE_EXCLUDE_MODELS"),
			HitUnits:      v.GetInt64("CACHE_HIT_UNITS"),
		},

		Quota: QuotaConfig{
			Unit:          strings.ToLower(v.GetString("QUOTA_UNIT")),
			Window:        v.GetDuration("QUOTA_WINDOW"),
			Store:         strings.ToLower(v.GetString("QUOTA_STORE")),
			MaxConcurrent: v.GetInt("MAX_CONCURRENT_PER_CALLER"),
			RPMLimit:      v.GetInt("RPM_LIMIT"),
		},

		Models: ModelsConfig{
			File:         v.GetString("MODELS_FILE"),
			Watch:        v.GetBool("MODELS_WATCH"),
			LoadTimeout:  v.GetDuration("MODEL_LOAD_TIMEOUT"),
			RequireReady: v.GetBool("REQUIRE_MODEL_READY"),
			SchemasDir:   v.GetString("SCHEMAS_DIR"),
		},

		Audit: AuditConfig{
			Sink:          strings.ToLower(v.GetString("AUDIT_SINK")),
			ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
			Truncate:      v.GetInt("AUDIT_TRUNCATE"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		BackendTimeout: v.GetDuration("BACKEND_TIMEOUT"),
		BatchMaxItems:  v.GetInt("BATCH_MAX_ITEMS"),
		BatchParallel:  v.GetInt("BATCH_PARALLEL"),
		MetricsEnabled: v.GetBool("METRICS_ENABLED"),
		CORSOrigins:    stringList(v, "CORS_ORIGINS"),
	}
}

// stringList reads a list that may be a YAML sequence or a comma separated
// env value.
func stringList(v *viper.Viper, key string) []string {
	var raw []string
	switch val := v.Get(key).(type) {
	case string:
		raw = strings.Split(val, ",")
	default:
		raw = v.GetStringSlice(key)
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// NeedsRedis reports whether any component is configured to use Redis.
func (c *Config) NeedsRedis() bool {
	if c.Cache.Mode == "redis" || c.Quota.Store == "redis" {
		return true
	}
	// Layered caching and rate limiting fall back to in-process state
	// without a URL.
	return c.Redis.URL != "" && (c.Cache.Mode == "layered" || c.Quota.RPMLimit > 0)
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be between 1 and 65535, got %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf(
			"config: invalid DATABASE_DRIVER %q; must be one of: sqlite, postgres, mysql",
			c.Database.Driver,
		)
	}
	if c.Database.DSN == "" {
		return errors.New("config: DATABASE_DSN is required")
	}

	switch c.Cache.Mode {
	case "memory", "redis", "sql", "layered", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: memory, redis, sql, layered, none",
			c.Cache.Mode,
		)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	if c.Cache.TTL <= 0 {
		return errors.New("config: CACHE_TTL must be a positive duration")
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("config: CACHE_MAX_ENTRIES must be ≥ 1, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.HitUnits < 0 {
		return fmt.Errorf("config: CACHE_HIT_UNITS must be ≥ 0, got %d", c.Cache.HitUnits)
	}

	switch c.Quota.Unit {
	case "requests", "tokens":
	default:
		return fmt.Errorf("config: invalid QUOTA_UNIT %q; must be one of: requests, tokens", c.Quota.Unit)
	}
	if c.Quota.Window <= 0 {
		return errors.New("config: QUOTA_WINDOW must be a positive duration")
	}
	switch c.Quota.Store {
	case "sql":
	case "redis":
		if c.Redis.URL == "" {
			return errors.New("config: REDIS_URL is required when QUOTA_STORE=redis")
		}
	default:
		return fmt.Errorf("config: invalid QUOTA_STORE %q; must be one of: sql, redis", c.Quota.Store)
	}
	if c.Quota.MaxConcurrent < 0 || c.Quota.RPMLimit < 0 {
		return errors.New("config: MAX_CONCURRENT_PER_CALLER and RPM_LIMIT must be ≥ 0")
	}

	switch c.Audit.Sink {
	case "sql", "log", "none":
	case "clickhouse":
		if c.Audit.ClickHouseDSN == "" {
			return errors.New("config: CLICKHOUSE_DSN is required when AUDIT_SINK=clickhouse")
		}
	default:
		return fmt.Errorf(
			"config: invalid AUDIT_SINK %q; must be one of: sql, clickhouse, log, none",
			c.Audit.Sink,
		)
	}

	if c.Models.File == "" {
		return errors.New("config: MODELS_FILE is required")
	}
	if c.BackendTimeout <= 0 {
		return errors.New("config: BACKEND_TIMEOUT must be a positive duration")
	}
	if c.BatchMaxItems < 1 || c.BatchParallel < 1 {
		return errors.New("config: BATCH_MAX_ITEMS and BATCH_PARALLEL must be ≥ 1")
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.CircuitBreaker.HalfOpenTimeout <= 0 {
		return fmt.Errorf("config: CB_HALF_OPEN_TIMEOUT must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
