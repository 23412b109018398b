package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// inTempDir runs the test from an empty directory so no config.yaml or .env
// from the repository is picked up.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	inTempDir(t)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8080 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "gateway.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Cache.Mode != "memory" || cfg.Cache.TTL != time.Hour || cfg.Cache.HitUnits != 0 {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Quota.Unit != "requests" || cfg.Quota.Window != 24*time.Hour || cfg.Quota.Store != "sql" {
		t.Errorf("quota = %+v", cfg.Quota)
	}
	if cfg.Quota.RPMLimit != 0 {
		t.Errorf("rate limiting should be off by default, got %d", cfg.Quota.RPMLimit)
	}
	if cfg.BackendTimeout != 60*time.Second {
		t.Errorf("backend timeout = %v", cfg.BackendTimeout)
	}
	if cfg.Models.RequireReady {
		t.Error("REQUIRE_MODEL_READY should default to false")
	}
	if cfg.Models.SchemasDir != "schemas" {
		t.Errorf("schemas dir = %q", cfg.Models.SchemasDir)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("cors = %v", cfg.CORSOrigins)
	}
	if cfg.NeedsRedis() {
		t.Error("default config should not need redis")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	inTempDir(t)
	t.Setenv("PORT", "9000")
	t.Setenv("CACHE_EXCLUDE_MODELS", "big, re:^ft-")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("QUOTA_UNIT", "TOKENS")
	t.Setenv("CB_ERROR_THRESHOLD", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9000 {
		t.Errorf("port = %d", cfg.Port)
	}
	if got := strings.Join(cfg.Cache.ExcludeModels, "|"); got != "big|re:^ft-" {
		t.Errorf("exclusions = %q", got)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("cors = %v", cfg.CORSOrigins)
	}
	if cfg.Quota.Unit != "tokens" {
		t.Errorf("unit = %q", cfg.Quota.Unit)
	}
	if cfg.CircuitBreaker.ErrorThreshold != 2 {
		t.Errorf("threshold = %d", cfg.CircuitBreaker.ErrorThreshold)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := inTempDir(t)
	content := `
port: 9100
cache_mode: layered
cache_exclude_models:
  - big
  - "re:^tiny"
audit_sink: log
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9100 || cfg.Cache.Mode != "layered" || cfg.Audit.Sink != "log" {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Cache.ExcludeModels) != 2 {
		t.Errorf("exclusions = %v", cfg.Cache.ExcludeModels)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := inTempDir(t)
	prev, had := os.LookupEnv("BATCH_MAX_ITEMS")
	_ = os.Unsetenv("BATCH_MAX_ITEMS")
	t.Cleanup(func() {
		if had {
			_ = os.Setenv("BATCH_MAX_ITEMS", prev)
		} else {
			_ = os.Unsetenv("BATCH_MAX_ITEMS")
		}
	})

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("BATCH_MAX_ITEMS=3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BatchMaxItems != 3 {
		t.Errorf("batch max = %d", cfg.BatchMaxItems)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
		{"bad driver", map[string]string{"DATABASE_DRIVER": "oracle"}, "DATABASE_DRIVER"},
		{"bad cache mode", map[string]string{"CACHE_MODE": "disk"}, "CACHE_MODE"},
		{"redis cache without url", map[string]string{"CACHE_MODE": "redis"}, "REDIS_URL"},
		{"redis quota without url", map[string]string{"QUOTA_STORE": "redis"}, "REDIS_URL"},
		{"bad unit", map[string]string{"QUOTA_UNIT": "dollars"}, "QUOTA_UNIT"},
		{"clickhouse without dsn", map[string]string{"AUDIT_SINK": "clickhouse"}, "CLICKHOUSE_DSN"},
		{"negative hit units", map[string]string{"CACHE_HIT_UNITS": "-1"}, "CACHE_HIT_UNITS"},
		{"zero threshold", map[string]string{"CB_ERROR_THRESHOLD": "0"}, "CB_ERROR_THRESHOLD"},
		{"zero batch", map[string]string{"BATCH_MAX_ITEMS": "0"}, "BATCH_MAX_ITEMS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inTempDir(t)
			t.Setenv("REDIS_URL", "")
			t.Setenv("CLICKHOUSE_DSN", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestNeedsRedis(t *testing.T) {
	c := &Config{Cache: CacheConfig{Mode: "memory"}, Quota: QuotaConfig{Store: "sql", RPMLimit: 60}}
	if c.NeedsRedis() {
		t.Error("rpm without a redis url uses the in-process limiter")
	}
	c.Redis.URL = "redis://localhost:6379"
	if !c.NeedsRedis() {
		t.Error("rpm with a redis url should use redis")
	}
}
