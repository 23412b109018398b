package app

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/audit"
	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/internal/backend"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/extract"
	"github.com/nulpointcorp/inference-gateway/internal/gateway"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/proxy"
	"github.com/nulpointcorp/inference-gateway/internal/quota"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
	"github.com/nulpointcorp/inference-gateway/internal/store"
)

// maxFrontTTL bounds how long a layered cache keeps a copy in process.
const maxFrontTTL = 5 * time.Minute

// initInfra opens the relational store and, when any component needs it,
// Redis.
func (a *App) initInfra(ctx context.Context) error {
	db, err := store.Open(ctx, store.Config{
		Driver:       a.cfg.Database.Driver,
		DSN:          a.cfg.Database.DSN,
		MaxOpenConns: a.cfg.Database.MaxOpenConns,
		Debug:        a.cfg.Database.Debug,
	})
	if err != nil {
		return err
	}
	a.db = db
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	a.log.Info("database ready", slog.String("driver", db.Driver()))

	if a.cfg.NeedsRedis() {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices creates the metrics registry, the completion cache and the
// audit pipeline.
func (a *App) initServices(ctx context.Context) error {
	if a.cfg.MetricsEnabled {
		a.prom = metrics.New()
		a.prom.SetBuildInfo(a.version)
	}

	tier, err := a.cacheTier(ctx)
	if err != nil {
		return err
	}
	a.completion = cache.NewCompletion(tier, cache.CompletionOptions{
		TTL:    a.cfg.Cache.TTL,
		Logger: a.log,
	})

	switch a.cfg.Audit.Sink {
	case "sql":
		a.auditSink = a.db.AuditSink()
	case "clickhouse":
		sink, err := audit.NewClickHouseSink(ctx, a.cfg.Audit.ClickHouseDSN)
		if err != nil {
			return err
		}
		a.auditSink = sink
	case "log":
		a.auditSink = audit.NewSlogSink(a.log)
	default:
		a.auditSink = audit.Discard{}
	}
	a.auditLog, err = audit.New(a.baseCtx, a.auditSink, audit.Options{
		Truncate: a.cfg.Audit.Truncate,
		Logger:   a.log,
	})
	if err != nil {
		return err
	}
	a.log.Info("audit sink", slog.String("sink", a.auditSink.Name()))

	if a.prom != nil {
		a.prom.RegisterAudit(a.auditLog)
		a.prom.RegisterCacheFlights(a.completion.InFlight)
	}
	return nil
}

// cacheTier returns the storage behind the completion cache. A nil tier
// still deduplicates concurrent identical requests.
func (a *App) cacheTier(ctx context.Context) (cache.Cache, error) {
	switch a.cfg.Cache.Mode {
	case "memory":
		a.memCache = cache.NewMemoryCache(ctx, a.cfg.Cache.MaxEntries)
		a.log.Info("cache backend: memory (in-process)")
		return a.memCache, nil

	case "redis":
		a.log.Info("cache backend: redis")
		return cache.NewRedisCache(a.rdb, a.log), nil

	case "sql":
		a.sqlCache = a.db.CompletionCache(a.log)
		a.log.Info("cache backend: sql")
		return a.sqlCache, nil

	case "layered":
		a.memCache = cache.NewMemoryCache(ctx, a.cfg.Cache.MaxEntries)
		frontTTL := min(a.cfg.Cache.TTL, maxFrontTTL)
		if a.rdb != nil {
			a.log.Info("cache backend: memory over redis")
			return cache.NewLayered(a.memCache, cache.NewRedisCache(a.rdb, a.log), frontTTL), nil
		}
		a.sqlCache = a.db.CompletionCache(a.log)
		a.log.Info("cache backend: memory over sql")
		return cache.NewLayered(a.memCache, a.sqlCache, frontTTL), nil

	case "none":
		a.log.Info("cache backend: disabled")
		return nil, nil
	}
	return nil, fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
}

// initModels builds the registry from the models file. Handles are created
// but nothing is loaded or probed.
func (a *App) initModels(ctx context.Context) error {
	f, err := registry.LoadFile(a.cfg.Models.File)
	if err != nil {
		return err
	}
	set, err := registry.Build(ctx, f, a.buildOptions())
	if err != nil {
		return err
	}
	reg, err := registry.New(set, a.log)
	if err != nil {
		closeHandles(set.Handles)
		return err
	}
	a.reg = reg
	a.specs = specsByID(f)
	return nil
}

func (a *App) buildOptions() registry.BuildOptions {
	return registry.BuildOptions{
		LoadTimeout: a.cfg.Models.LoadTimeout,
		Logger:      a.log,
	}
}

// reloadModels re-reads the models file and swaps the registry table.
// Models whose definition did not change keep their handle, so a loaded
// runtime survives the reload. Displaced handles are closed once in-flight
// calls have had BackendTimeout to finish.
func (a *App) reloadModels(ctx context.Context) error {
	a.modelsMu.Lock()
	defer a.modelsMu.Unlock()

	f, err := registry.LoadFile(a.cfg.Models.File)
	if err != nil {
		return err
	}
	set, err := registry.Build(ctx, f, a.buildOptions())
	if err != nil {
		return err
	}
	next := specsByID(f)

	current := make(map[string]backend.Handle)
	for _, h := range a.reg.Handles() {
		current[h.ID()] = h
	}
	var fresh []backend.Handle
	for i, h := range set.Handles {
		old, ok := current[h.ID()]
		if ok && reflect.DeepEqual(a.specs[h.ID()], next[h.ID()]) {
			_ = h.Close()
			set.Handles[i] = old
			continue
		}
		fresh = append(fresh, h)
	}

	removed, err := a.reg.Reload(set)
	if err != nil {
		closeHandles(fresh)
		return err
	}
	a.specs = next

	if len(removed) > 0 {
		time.AfterFunc(a.cfg.BackendTimeout, func() { closeHandles(removed) })
	}
	a.log.Info("models reloaded",
		slog.Int("models", len(set.Handles)),
		slog.Int("replaced", len(fresh)),
		slog.Int("removed", len(removed)),
	)

	go func() {
		if err := a.reg.WarmUp(a.baseCtx); err != nil {
			a.log.Warn("model warmup incomplete", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// initGateway wires together the orchestrator, health probes and HTTP
// server.
func (a *App) initGateway(_ context.Context) error {
	unit, err := quota.ParseUnit(a.cfg.Quota.Unit)
	if err != nil {
		return err
	}

	var qstore quota.Store = a.db.QuotaStore()
	if a.cfg.Quota.Store == "redis" {
		qstore = quota.NewRedisStore(a.rdb)
	}

	// Per-caller RPM values apply even when the global limit is off.
	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter()
	if a.rdb != nil {
		limiter = ratelimit.NewRedisLimiter(a.rdb, a.log)
	}
	if a.cfg.Quota.RPMLimit > 0 {
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.Quota.RPMLimit))
	}

	a.ledger = quota.NewLedger(qstore, quota.Options{
		Window:        a.cfg.Quota.Window,
		Unit:          unit,
		MaxConcurrent: a.cfg.Quota.MaxConcurrent,
		RPM:           a.cfg.Quota.RPMLimit,
		Limiter:       limiter,
		Logger:        a.log,
	})

	excl, err := cache.ParseExclusions(a.cfg.Cache.ExcludeModels)
	if err != nil {
		return err
	}
	if excl.Len() > 0 {
		a.log.Info("cache exclusions loaded", slog.Int("rules", excl.Len()))
	}

	a.breaker = gateway.NewBreaker(gateway.BreakerConfig{
		Threshold: a.cfg.CircuitBreaker.ErrorThreshold,
		Window:    a.cfg.CircuitBreaker.TimeWindow,
		Cooldown:  a.cfg.CircuitBreaker.HalfOpenTimeout,
	})

	opts := gateway.Options{
		BackendTimeout: a.cfg.BackendTimeout,
		CacheHitUnits:  a.cfg.Cache.HitUnits,
		Exclusions:     excl,
		BatchMaxItems:  a.cfg.BatchMaxItems,
		BatchParallel:  a.cfg.BatchParallel,
		Breaker:        a.breaker,
		Audit:          a.auditLog,
		Logger:         a.log,
	}
	if a.prom != nil {
		opts.Metrics = a.prom
		a.breaker.OnChange(a.prom.SetCircuitBreaker)
	}

	schemas, err := extract.LoadDir(a.cfg.Models.SchemasDir)
	if err != nil {
		return err
	}
	a.log.Info("extraction schemas loaded",
		slog.String("dir", a.cfg.Models.SchemasDir),
		slog.Int("schemas", schemas.Len()),
	)

	a.gw = gateway.New(gateway.Deps{
		Auth:     auth.NewResolver(a.db, a.log),
		Ledger:   a.ledger,
		Registry: a.reg,
		Cache:    a.completion,
		Schemas:  schemas,
	}, opts)

	a.health, err = proxy.NewHealthChecker(a.baseCtx, a.probes(), a.reg.Status, a.prom)
	if err != nil {
		return err
	}

	a.srv, err = proxy.New(a.baseCtx, proxy.Options{
		Gateway:           a.gw,
		Registry:          a.reg,
		Ledger:            a.ledger,
		Health:            a.health,
		Metrics:           a.prom,
		Admin:             a.db,
		Reload:            a.reloadModels,
		RequireModelReady: a.cfg.Models.RequireReady,
		CORSOrigins:       a.cfg.CORSOrigins,
		LoadTimeout:       a.cfg.Models.LoadTimeout,
		Version:           a.version,
		Logger:            a.log,
	})
	return err
}

// probes lists the dependencies checked by /healthz and /readyz. The
// database gates readiness; Redis only degrades health since every Redis
// user reports its own errors per request.
func (a *App) probes() []proxy.Probe {
	ps := []proxy.Probe{{Name: "database", Check: a.db.Ping, Critical: true}}
	if a.rdb != nil {
		ps = append(ps, proxy.Probe{
			Name:  "redis",
			Check: func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() },
		})
	}
	return ps
}

func specsByID(f *registry.File) map[string]registry.ModelSpec {
	out := make(map[string]registry.ModelSpec, len(f.Models))
	for _, m := range f.Models {
		out[m.ID] = m
	}
	return out
}

func closeHandles(hs []backend.Handle) {
	for _, h := range hs {
		_ = h.Close()
	}
}
