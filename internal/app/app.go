// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra   : relational store (migrated) and Redis when needed
//  2. initServices: metrics registry, completion cache tier, audit sink
//  3. initModels  : registry built from the models file; nothing is loaded
//  4. initGateway : ledger, breaker, orchestrator, health probes, HTTP server
//
// Eager models are readied in the background once Run starts, so /healthz
// answers while weights load.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inference-gateway/internal/audit"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/config"
	"github.com/nulpointcorp/inference-gateway/internal/gateway"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/proxy"
	"github.com/nulpointcorp/inference-gateway/internal/quota"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
	"github.com/nulpointcorp/inference-gateway/internal/store"
)

const sqlCachePurgeInterval = 10 * time.Minute

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	db *store.DB

	// Optional external connections; nil when not configured.
	rdb *redis.Client

	prom       *metrics.Registry
	memCache   *cache.MemoryCache
	sqlCache   *store.CompletionCache
	completion *cache.Completion

	auditSink audit.Sink
	auditLog  *audit.Logger

	modelsMu sync.Mutex
	specs    map[string]registry.ModelSpec
	reg      *registry.Registry

	ledger  *quota.Ledger
	breaker *gateway.Breaker
	gw      *gateway.Gateway
	health  *proxy.HealthChecker
	srv     *proxy.Server

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"models", a.initModels},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("quota_unit", a.cfg.Quota.Unit),
		slog.String("audit_sink", a.auditSink.Name()),
		slog.Int("models", len(a.reg.Handles())),
		slog.String("default_model", a.reg.DefaultID()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(gctx, addr)
	})

	g.Go(func() error {
		if err := a.reg.WarmUp(gctx); err != nil {
			a.log.Warn("model warmup incomplete", slog.String("error", err.Error()))
		}
		return nil
	})

	if a.cfg.Models.Watch {
		g.Go(func() error {
			return registry.Watch(gctx, a.cfg.Models.File, a.log, func() {
				if err := a.reloadModels(gctx); err != nil {
					a.log.Error("models reload failed", slog.String("error", err.Error()))
				}
			})
		})
	}

	if a.sqlCache != nil {
		g.Go(func() error {
			a.sqlCache.RunPurger(gctx, sqlCachePurgeInterval)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.health != nil {
		a.health.Close()
	}
	if a.reg != nil {
		for _, h := range a.reg.Handles() {
			if err := h.Close(); err != nil {
				a.log.Error("model close error", slog.String("model_id", h.ID()), slog.String("error", err.Error()))
			}
		}
	}
	// The audit logger drains its queue into the sink, so it closes first.
	if a.auditLog != nil {
		if err := a.auditLog.Close(); err != nil {
			a.log.Error("audit close error", slog.String("error", err.Error()))
		}
	}
	if c, ok := a.auditSink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.log.Error("audit sink close error", slog.String("error", err.Error()))
		}
	}
	if a.memCache != nil {
		a.memCache.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("database close error", slog.String("error", err.Error()))
		}
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
