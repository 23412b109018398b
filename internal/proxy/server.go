// Package proxy is the HTTP surface of the gateway.
//
// It decodes requests, extracts the credential and hands everything else to
// gateway.Gateway. Handlers never touch backends, the cache or the ledger
// directly except for read-only snapshots (/v1/models, /v1/me/usage) and the
// admin operations.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/internal/gateway"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/quota"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
	"github.com/nulpointcorp/inference-gateway/internal/store"
)

const (
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 5 * time.Minute
	defaultMaxBodySize  = 4 << 20
	defaultLoadTimeout  = 5 * time.Minute
)

// AdminStore backs the read-only admin endpoints.
type AdminStore interface {
	ListCallers(ctx context.Context) ([]*auth.Caller, error)
	RecentLogs(ctx context.Context, callerID int64, limit int) ([]store.InferenceLog, error)
}

// Options configures a Server. Gateway, Registry and Ledger are required.
type Options struct {
	Gateway  *gateway.Gateway
	Registry *registry.Registry
	Ledger   *quota.Ledger

	// Health backs /healthz details and /readyz. Nil reports ok.
	Health *HealthChecker

	// Metrics enables /metrics and HTTP instrumentation.
	Metrics *metrics.Registry

	// Admin enables /v1/admin/keys and /v1/admin/logs.
	Admin AdminStore

	// Reload re-reads the models file. Nil disables the reload endpoint.
	Reload func(ctx context.Context) error

	// RequireModelReady makes /readyz fail until the default model is ready.
	RequireModelReady bool

	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodySize  int
	LoadTimeout  time.Duration

	Version string
	Logger  *slog.Logger
}

// Server serves the gateway API over fasthttp.
type Server struct {
	gw     *gateway.Gateway
	reg    *registry.Registry
	ledger *quota.Ledger
	health *HealthChecker

	metrics *metrics.Registry
	admin   AdminStore
	reload  func(ctx context.Context) error

	opts    Options
	log     *slog.Logger
	baseCtx context.Context
	srv     *fasthttp.Server
}

// New builds a Server. ctx bounds every request context; canceling it
// aborts in-flight generations.
func New(ctx context.Context, opts Options) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("proxy: context must not be nil")
	}
	if opts.Gateway == nil || opts.Registry == nil || opts.Ledger == nil {
		return nil, errors.New("proxy: gateway, registry and ledger are required")
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxBodySize
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = defaultLoadTimeout
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		gw:      opts.Gateway,
		reg:     opts.Registry,
		ledger:  opts.Ledger,
		health:  opts.Health,
		metrics: opts.Metrics,
		admin:   opts.Admin,
		reload:  opts.Reload,
		opts:    opts,
		log:     log,
		baseCtx: ctx,
	}
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "inference-gateway",
		ReadTimeout:        opts.ReadTimeout,
		WriteTimeout:       opts.WriteTimeout,
		MaxRequestBodySize: opts.MaxBodySize,
		Logger:             slogPrinter{log},
	}
	return s, nil
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	r.SaveMatchedRoutePath = true

	r.POST("/v1/generate", s.handleGenerate)
	r.POST("/v1/generate/stream", s.handleStream)
	r.POST("/v1/generate/batch", s.handleBatch)
	r.POST("/v1/extract", s.handleExtract)
	r.GET("/v1/schemas", s.handleSchemas)
	r.GET("/v1/schemas/{id}", s.handleSchema)
	r.GET("/v1/models", s.handleModels)
	r.GET("/v1/me/usage", s.handleUsage)

	r.POST("/v1/admin/models/reload", s.adminOnly(s.handleReload))
	r.POST("/v1/admin/models/{id}/load", s.adminOnly(s.handleLoad))
	r.GET("/v1/admin/keys", s.adminOnly(s.handleKeys))
	r.GET("/v1/admin/logs", s.adminOnly(s.handleLogs))

	r.GET("/healthz", s.handleHealth)
	r.GET("/readyz", s.handleReadiness)
	r.GET("/modelz", s.handleModelz)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		writeStatus(ctx, fasthttp.StatusNotFound, "not_found", "route not found")
	}
	r.MethodNotAllowed = func(ctx *fasthttp.RequestCtx) {
		writeStatus(ctx, fasthttp.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}

	return applyMiddleware(r.Handler,
		recovery(s.log),
		requestID,
		instrument(s.metrics),
		timing,
		corsHandler(s.opts.CORSOrigins),
		securityHeaders,
	)
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http_listen", slog.String("addr", addr))
		errCh <- s.srv.ListenAndServe(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.srv.ShutdownWithContext(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// slogPrinter adapts slog to fasthttp.Logger.
type slogPrinter struct{ log *slog.Logger }

func (p slogPrinter) Printf(format string, args ...any) {
	p.log.Warn("fasthttp", slog.String("message", fmt.Sprintf(format, args...)))
}
