// Package gateway orchestrates one generation request end to end:
//
//	Authenticating -> Admitting -> Resolving -> CacheCheck -> {Hit | Invoking} -> Responding
//
// Releasing runs on every exit path: it returns the admission slot, records
// metrics and writes the audit record. Audit and quota-commit failures are
// logged and never change the caller's result.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/inference-gateway/internal/audit"
	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/internal/backend"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/extract"
	"github.com/nulpointcorp/inference-gateway/internal/fingerprint"
	"github.com/nulpointcorp/inference-gateway/internal/quota"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// Routes recorded in metrics and audit.
const (
	RouteGenerate = "generate"
	RouteStream   = "stream"
	RouteBatch    = "batch"
	RouteExtract  = "extract"
)

// Cache statuses recorded in metrics and audit.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheJoin   = "join"
	CacheBypass = "bypass"
)

// Defaults.
const (
	DefaultBackendTimeout = 60 * time.Second
	DefaultBatchMaxItems  = 16
	DefaultBatchParallel  = 4
)

// Request is one generation request.
type Request struct {
	Model  string
	Prompt string
	Params fingerprint.Params

	// Cache set to false bypasses the completion cache.
	Cache *bool

	RequestID string
	Route     string
}

func (r Request) cacheEnabled() bool { return r.Cache == nil || *r.Cache }

// Usage is the token accounting reported to callers.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is a successful generation.
type Response struct {
	Model        string `json:"model"`
	Output       string `json:"output"`
	Cached       bool   `json:"cached"`
	RequestID    string `json:"request_id"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`

	CacheStatus string `json:"-"`
}

// Auditor accepts audit records without blocking.
type Auditor interface {
	Log(rec audit.Record)
}

// Metrics is a fire-and-forget sink.
type Metrics interface {
	ObserveRequest(route, model, cacheStatus, outcome string, d time.Duration)
	ObserveTokens(model, cacheStatus string, prompt, completion int)

	// ObserveExtraction counts extraction events: a failed stage (parse,
	// validate, repair_parse, repair_validate) or a repair outcome
	// (repair_attempted, repair_success, repair_failure).
	ObserveExtraction(schemaID, model, event string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRequest(string, string, string, string, time.Duration) {}
func (nopMetrics) ObserveTokens(string, string, int, int) {}
func (nopMetrics) ObserveExtraction(string, string, string) {}

type nopAuditor struct{}

func (nopAuditor) Log(audit.Record) {}

// Deps are the collaborators of a Gateway.
type Deps struct {
	Auth     *auth.Resolver
	Ledger   *quota.Ledger
	Registry *registry.Registry

	// Cache is nil when caching is disabled; identical concurrent requests
	// are then not deduplicated.
	Cache *cache.Completion

	// Schemas backs Extract. Nil serves no schemas.
	Schemas *extract.Catalog
}

// Options tunes a Gateway.
type Options struct {
	BackendTimeout time.Duration

	// CacheHitUnits is billed for hits and joins.
	CacheHitUnits int64

	// Exclusions lists models whose requests bypass the cache.
	Exclusions *cache.ExclusionList

	BatchMaxItems int
	BatchParallel int

	// Breaker fails fast for remote models that keep failing. Nil disables it.
	Breaker *Breaker

	Metrics Metrics
	Audit   Auditor
	Logger  *slog.Logger
}

// Gateway is safe for concurrent use.
type Gateway struct {
	auth    *auth.Resolver
	ledger  *quota.Ledger
	reg     *registry.Registry
	cache   *cache.Completion
	schemas *extract.Catalog

	opts    Options
	metrics Metrics
	audit   Auditor
	log     *slog.Logger
}

func New(deps Deps, opts Options) *Gateway {
	if opts.BackendTimeout <= 0 {
		opts.BackendTimeout = DefaultBackendTimeout
	}
	if opts.BatchMaxItems <= 0 {
		opts.BatchMaxItems = DefaultBatchMaxItems
	}
	if opts.BatchParallel <= 0 {
		opts.BatchParallel = DefaultBatchParallel
	}
	g := &Gateway{
		auth:    deps.Auth,
		ledger:  deps.Ledger,
		reg:     deps.Registry,
		cache:   deps.Cache,
		schemas: deps.Schemas,
		opts:    opts,
		metrics: opts.Metrics,
		audit:   opts.Audit,
		log:     opts.Logger,
	}
	if g.metrics == nil {
		g.metrics = nopMetrics{}
	}
	if g.audit == nil {
		g.audit = nopAuditor{}
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	return g
}

// BatchMaxItems returns the configured batch ceiling.
func (g *Gateway) BatchMaxItems() int { return g.opts.BatchMaxItems }

// Authenticate resolves a credential to a caller.
func (g *Gateway) Authenticate(ctx context.Context, credential string) (*auth.Caller, error) {
	return g.auth.Resolve(ctx, credential)
}

// call is the per-request state carried through the state machine.
type call struct {
	req    Request
	caller *auth.Caller
	adm    *quota.Admission
	start  time.Time

	handle  backend.Handle
	modelID string
	params  backend.Params
	key     fingerprint.Key
	bypass  bool

	// namespace separates cache keys of non-completion results.
	namespace string

	cacheStatus  string
	output       string
	finishReason string
	usage        backend.Usage
	billed       int64
}

func (g *Gateway) begin(req Request, route string) *call {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Route == "" {
		req.Route = route
	}
	return &call{req: req, start: time.Now(), modelID: req.Model}
}

// Generate runs a blocking generation.
func (g *Gateway) Generate(ctx context.Context, credential string, req Request) (*Response, error) {
	c := g.begin(req, RouteGenerate)
	caller, err := g.Authenticate(ctx, credential)
	if err != nil {
		g.finish(ctx, c, err)
		return nil, err
	}
	c.caller = caller
	return g.generate(ctx, c)
}

func (g *Gateway) generate(ctx context.Context, c *call) (resp *Response, err error) {
	defer func() { g.finish(ctx, c, err) }()

	if err = g.prepare(ctx, c, backend.CapGenerate); err != nil {
		return nil, err
	}
	ctx = backend.WithRequestID(ctx, c.req.RequestID)
	compute := g.generateCompute(c.handle, c.req.Prompt, c.params)

	var entry cache.Entry
	if c.bypass {
		c.cacheStatus = CacheBypass
		entry, err = compute(ctx, nil)
	} else {
		var outcome cache.Outcome
		entry, outcome, err = g.cache.GetOrCompute(ctx, c.key, compute)
		c.cacheStatus = outcome.String()
	}
	if err != nil {
		return nil, apierr.From(err)
	}

	c.setResult(entry)
	g.bill(ctx, c)
	return c.response(), nil
}

// prepare validates the request, admits the caller, resolves the model and
// computes the fingerprint.
func (g *Gateway) prepare(ctx context.Context, c *call, need backend.Capability) error {
	if strings.TrimSpace(c.req.Prompt) == "" {
		return apierr.New(apierr.CodeInvalidRequest, "prompt must not be empty")
	}
	resolved, err := c.req.Params.Resolve()
	if err != nil {
		return err
	}

	adm, err := g.ledger.Admit(ctx, c.caller)
	if err != nil {
		return err
	}
	c.adm = adm

	var h backend.Handle
	if c.req.Model == "" {
		h, err = g.reg.DefaultFor(need)
	} else {
		h, err = g.reg.Resolve(c.req.Model)
	}
	if err != nil {
		return err
	}
	c.handle, c.modelID = h, h.ID()

	if !c.caller.Allows(h.ID()) && (c.req.Model == "" || !c.caller.Allows(c.req.Model)) {
		return apierr.New(apierr.CodeModelNotAllowed, "model %q is not allowed for this key", h.ID())
	}
	if !h.Capabilities().Has(need) {
		return apierr.New(apierr.CodeInvalidRequest, "model %q does not support %s", h.ID(), need)
	}

	c.key, err = fingerprint.ComputeNamespaced(c.namespace, h.ID(), c.req.Prompt, resolved)
	if err != nil {
		return err
	}
	c.params = backend.Params{
		MaxNewTokens: resolved.MaxNewTokens,
		Temperature:  resolved.Temperature,
		TopP:         resolved.TopP,
		TopK:         resolved.TopK,
		Stop:         resolved.Stop,
	}
	c.bypass = g.cache == nil || !c.req.cacheEnabled() || g.opts.Exclusions.Matches(h.ID())
	return nil
}

func (c *call) setResult(e cache.Entry) {
	c.output = e.Output
	c.finishReason = e.FinishReason
	c.usage = backend.Usage{PromptTokens: e.PromptTokens, CompletionTokens: e.CompletionTokens}
}

func (c *call) response() *Response {
	return &Response{
		Model:        c.modelID,
		Output:       c.output,
		Cached:       c.cacheStatus == CacheHit,
		RequestID:    c.req.RequestID,
		FinishReason: c.finishReason,
		Usage:        Usage{PromptTokens: c.usage.PromptTokens, CompletionTokens: c.usage.CompletionTokens},
		CacheStatus:  c.cacheStatus,
	}
}

// bill commits the caller's usage. Hits and joins cost CacheHitUnits.
func (g *Gateway) bill(ctx context.Context, c *call) {
	units := g.ledger.Unit().Bill(c.usage.PromptTokens, c.usage.CompletionTokens)
	if c.cacheStatus == CacheHit || c.cacheStatus == CacheJoin {
		units = g.opts.CacheHitUnits
	}
	c.billed = units
	if err := g.ledger.Commit(context.WithoutCancel(ctx), c.caller, units); err != nil {
		g.log.ErrorContext(ctx, "quota_commit_failed",
			slog.String("request_id", c.req.RequestID),
			slog.Int64("caller_id", c.caller.ID),
			slog.Int64("units", units),
			slog.String("error", err.Error()),
		)
	}
}

// finish is the Releasing state.
func (g *Gateway) finish(ctx context.Context, c *call, err error) {
	c.adm.Release()

	latency := time.Since(c.start)
	outcome, status := "ok", 200
	if err != nil {
		ae := apierr.From(err)
		outcome, status = ae.Code, ae.HTTPStatus()
	}

	g.metrics.ObserveRequest(c.req.Route, c.modelID, c.cacheStatus, outcome, latency)
	if err == nil {
		g.metrics.ObserveTokens(c.modelID, c.cacheStatus, c.usage.PromptTokens, c.usage.CompletionTokens)
	}

	attrs := []any{
		slog.String("request_id", c.req.RequestID),
		slog.String("route", c.req.Route),
		slog.String("model", c.modelID),
		slog.String("cache", c.cacheStatus),
		slog.String("outcome", outcome),
		slog.Int64("latency_ms", latency.Milliseconds()),
	}
	switch {
	case err == nil:
		g.log.DebugContext(ctx, "request", attrs...)
	case status >= 500:
		g.log.WarnContext(ctx, "request_failed", append(attrs, slog.String("error", err.Error()))...)
	default:
		g.log.DebugContext(ctx, "request_rejected", append(attrs, slog.String("error", err.Error()))...)
	}

	rec := audit.Record{
		RequestID:        c.req.RequestID,
		Route:            c.req.Route,
		ModelID:          c.modelID,
		Stream:           c.req.Route == RouteStream,
		CacheStatus:      c.cacheStatus,
		Outcome:          outcome,
		Status:           status,
		Latency:          latency,
		PromptTokens:     c.usage.PromptTokens,
		CompletionTokens: c.usage.CompletionTokens,
		BilledUnits:      c.billed,
		Prompt:           c.req.Prompt,
		Output:           c.output,
	}
	if c.caller != nil {
		rec.CallerID, rec.CallerRef = c.caller.ID, c.caller.Ref()
	}
	g.audit.Log(rec)
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.opts.BackendTimeout)
}

func (g *Gateway) generateCompute(h backend.Handle, prompt string, p backend.Params) cache.ComputeFunc {
	return func(ctx context.Context, _ func(string)) (cache.Entry, error) {
		ctx, cancel := g.withTimeout(ctx)
		defer cancel()

		res, err := g.invoke(ctx, h, prompt, p)
		if err != nil {
			return cache.Entry{}, err
		}
		return cache.Entry{
			Output:           res.Text,
			ModelID:          h.ID(),
			FinishReason:     res.FinishReason,
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
		}, nil
	}
}

// invoke calls Generate. An Unready backend gets one EnsureReady and one
// more attempt; nothing else is retried.
func (g *Gateway) invoke(ctx context.Context, h backend.Handle, prompt string, p backend.Params) (backend.Result, error) {
	if err := g.allow(h); err != nil {
		return backend.Result{}, err
	}
	res, err := h.Generate(ctx, prompt, p)
	if errors.Is(err, apierr.ErrUnready) {
		if err = g.ensureReady(ctx, h); err == nil {
			res, err = h.Generate(ctx, prompt, p)
		}
	}
	g.record(h, err)
	return res, err
}

// openStream is invoke for streams.
func (g *Gateway) openStream(ctx context.Context, h backend.Handle, prompt string, p backend.Params) (<-chan backend.Chunk, error) {
	if err := g.allow(h); err != nil {
		return nil, err
	}
	ch, err := h.Stream(ctx, prompt, p)
	if errors.Is(err, apierr.ErrUnready) {
		if err = g.ensureReady(ctx, h); err == nil {
			ch, err = h.Stream(ctx, prompt, p)
		}
	}
	if err != nil {
		g.record(h, err)
		return nil, err
	}
	return ch, nil
}

func (g *Gateway) ensureReady(ctx context.Context, h backend.Handle) error {
	g.log.InfoContext(ctx, "model_ensure_ready",
		slog.String("model_id", h.ID()),
		slog.String("request_id", backend.RequestIDFrom(ctx)),
	)
	if err := h.EnsureReady(ctx); err != nil {
		return apierr.From(err)
	}
	return nil
}

func (g *Gateway) allow(h backend.Handle) error {
	if g.opts.Breaker == nil || h.Kind() != backend.KindRemote {
		return nil
	}
	if !g.opts.Breaker.Allow(h.ID()) {
		return apierr.New(apierr.CodeUnavailable, "model %q is failing; retry later", h.ID())
	}
	return nil
}

// record feeds the outcome of a remote call to the breaker. Only
// reachability failures count against the backend.
func (g *Gateway) record(h backend.Handle, err error) {
	if g.opts.Breaker == nil || h.Kind() != backend.KindRemote {
		return
	}
	switch apierr.CodeOf(err) {
	case "", apierr.CodeGenerationFailed:
		g.opts.Breaker.RecordSuccess(h.ID())
	case apierr.CodeUnavailable, apierr.CodeTimeout, apierr.CodeUnready:
		g.opts.Breaker.RecordFailure(h.ID())
	default:
		g.opts.Breaker.Abandon(h.ID())
	}
}

// entryFrom builds a cache entry from streamed output, estimating counts the
// backend did not report.
func entryFrom(modelID, prompt, output, finish string, u *backend.Usage) cache.Entry {
	e := cache.Entry{Output: output, ModelID: modelID, FinishReason: finish}
	if u != nil {
		e.PromptTokens, e.CompletionTokens = u.PromptTokens, u.CompletionTokens
	}
	if e.PromptTokens == 0 {
		e.PromptTokens = backend.EstimateTokens(prompt)
	}
	if e.CompletionTokens == 0 {
		e.CompletionTokens = backend.EstimateTokens(output)
	}
	return e
}
