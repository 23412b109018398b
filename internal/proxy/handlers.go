package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/internal/backend"
	"github.com/nulpointcorp/inference-gateway/internal/fingerprint"
	"github.com/nulpointcorp/inference-gateway/internal/gateway"
	"github.com/nulpointcorp/inference-gateway/internal/quota"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

const (
	callerKey = "caller"

	defaultLogLimit = 50
	maxLogLimit     = 500
)

// generateBody is the JSON body of /v1/generate and /v1/generate/stream.
type generateBody struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Cache  *bool  `json:"cache"`
	fingerprint.Params
}

// batchBody is the JSON body of /v1/generate/batch. Model and params apply
// to every prompt.
type batchBody struct {
	Prompts []string `json:"prompts"`
	Model   string   `json:"model"`
	Cache   *bool    `json:"cache"`
	fingerprint.Params
}

type batchResult struct {
	Output           string           `json:"output"`
	Cached           bool             `json:"cached"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	RequestID        string           `json:"request_id"`
	Error            *apierr.APIError `json:"error,omitempty"`
}

type batchResponse struct {
	Model     string        `json:"model"`
	RequestID string        `json:"request_id"`
	Results   []batchResult `json:"results"`
}

func (s *Server) handleGenerate(ctx *fasthttp.RequestCtx) {
	var body generateBody
	if err := decode(ctx, &body); err != nil {
		writeError(ctx, err)
		return
	}
	rctx, cancel := s.requestContext()
	defer cancel()

	resp, err := s.gw.Generate(rctx, credential(ctx), body.request(requestIDOf(ctx)))
	if err != nil {
		writeError(ctx, err)
		return
	}
	setCacheHeader(ctx, resp.CacheStatus)
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) handleBatch(ctx *fasthttp.RequestCtx) {
	var body batchBody
	if err := decode(ctx, &body); err != nil {
		writeError(ctx, err)
		return
	}
	reqs := make([]gateway.Request, len(body.Prompts))
	for i, p := range body.Prompts {
		reqs[i] = gateway.Request{Model: body.Model, Prompt: p, Params: body.Params, Cache: body.Cache}
	}

	rctx, cancel := s.requestContext()
	defer cancel()

	id := requestIDOf(ctx)
	items, err := s.gw.Batch(rctx, credential(ctx), reqs, id)
	if err != nil {
		writeError(ctx, err)
		return
	}

	out := batchResponse{RequestID: id, Results: make([]batchResult, len(items))}
	for i, it := range items {
		if it.Err != nil {
			e := apierr.From(it.Err)
			out.Results[i] = batchResult{
				RequestID: id + "-" + strconv.Itoa(i),
				Error:     &apierr.APIError{Code: e.Code, Message: e.Message},
			}
			continue
		}
		r := it.Response
		if out.Model == "" {
			out.Model = r.Model
		}
		out.Results[i] = batchResult{
			Output:           r.Output,
			Cached:           r.Cached,
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			RequestID:        r.RequestID,
		}
	}
	if out.Model == "" {
		out.Model = body.Model
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

type modelView struct {
	backend.Status
	Default bool `json:"default"`
	Allowed bool `json:"allowed"`
}

func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	caller, err := s.gw.Authenticate(ctx, credential(ctx))
	if err != nil {
		writeError(ctx, err)
		return
	}
	def := s.reg.DefaultID()
	statuses := s.reg.Status()
	models := make([]modelView, len(statuses))
	for i, st := range statuses {
		models[i] = modelView{Status: st, Default: st.ID == def, Allowed: caller.Allows(st.ID)}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"default_model": def,
		"aliases":       s.reg.Aliases(),
		"models":        models,
	})
}

func (s *Server) handleUsage(ctx *fasthttp.RequestCtx) {
	caller, err := s.gw.Authenticate(ctx, credential(ctx))
	if err != nil {
		writeError(ctx, err)
		return
	}
	snap, err := s.ledger.Snapshot(ctx, caller)
	if err != nil {
		s.log.ErrorContext(ctx, "usage_snapshot_failed", slog.String("error", err.Error()))
		writeError(ctx, apierr.Wrap(apierr.CodeInternal, err, apierr.ErrInternal.Message))
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, struct {
		Caller string         `json:"caller"`
		Role   auth.Role      `json:"role"`
		Quota  quota.Snapshot `json:"quota"`
		Models []string       `json:"allowed_models,omitempty"`
	}{caller.Ref(), caller.Role, snap, caller.AllowedModels})
}

// adminOnly authenticates the request and requires the admin role.
func (s *Server) adminOnly(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		caller, err := s.gw.Authenticate(ctx, credential(ctx))
		if err != nil {
			writeError(ctx, err)
			return
		}
		if !caller.IsAdmin() {
			writeError(ctx, apierr.ErrForbidden)
			return
		}
		ctx.SetUserValue(callerKey, caller)
		next(ctx)
	}
}

func (s *Server) handleReload(ctx *fasthttp.RequestCtx) {
	if s.reload == nil {
		writeError(ctx, apierr.New(apierr.CodeInvalidRequest, "models file reload is not configured"))
		return
	}
	if err := s.reload(ctx); err != nil {
		s.log.ErrorContext(ctx, "models_reload_failed", slog.String("error", err.Error()))
		writeError(ctx, apierr.Wrap(apierr.CodeInvalidRequest, err, "reload failed: "+err.Error()))
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"ok":            true,
		"default_model": s.reg.DefaultID(),
		"models":        handleIDs(s.reg.Handles()),
	})
}

func (s *Server) handleLoad(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	h, err := s.reg.Resolve(id)
	if err != nil {
		writeError(ctx, err)
		return
	}
	already := h.Status().Ready

	lctx, cancel := context.WithTimeout(s.baseCtx, s.opts.LoadTimeout)
	defer cancel()
	if err := h.EnsureReady(lctx); err != nil {
		writeError(ctx, err)
		return
	}
	s.log.InfoContext(ctx, "model_loaded_by_admin",
		slog.String("caller", callerOf(ctx).Ref()),
		slog.String("model_id", h.ID()),
		slog.Bool("already_loaded", already),
	)
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"ok":             true,
		"already_loaded": already,
		"model_id":       h.ID(),
		"status":         h.Status(),
	})
}

type callerView struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	KeyPrefix     string     `json:"key_prefix"`
	Role          auth.Role  `json:"role"`
	Active        bool       `json:"active"`
	QuotaLimit    int64      `json:"quota_limit"`
	QuotaUsed     int64      `json:"quota_used"`
	QuotaResetAt  *time.Time `json:"quota_reset_at,omitempty"`
	MaxConcurrent int        `json:"max_concurrent,omitempty"`
	RPM           int        `json:"rpm,omitempty"`
	AllowedModels []string   `json:"allowed_models,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (s *Server) handleKeys(ctx *fasthttp.RequestCtx) {
	if s.admin == nil {
		writeError(ctx, apierr.New(apierr.CodeInvalidRequest, "caller store is not configured"))
		return
	}
	callers, err := s.admin.ListCallers(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "list_callers_failed", slog.String("error", err.Error()))
		writeError(ctx, apierr.Wrap(apierr.CodeInternal, err, apierr.ErrInternal.Message))
		return
	}
	out := make([]callerView, len(callers))
	for i, c := range callers {
		v := callerView{
			ID:            c.ID,
			Name:          c.Name,
			KeyPrefix:     c.KeyPrefix,
			Role:          c.Role,
			Active:        c.Active,
			QuotaLimit:    c.QuotaLimit,
			QuotaUsed:     c.QuotaUsed,
			MaxConcurrent: c.MaxConcurrent,
			RPM:           c.RPM,
			AllowedModels: c.AllowedModels,
			CreatedAt:     c.CreatedAt,
		}
		if !c.QuotaResetAt.IsZero() {
			t := c.QuotaResetAt
			v.QuotaResetAt = &t
		}
		out[i] = v
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"results": out, "total": len(out)})
}

type logView struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	CallerID         int64     `json:"caller_id"`
	Caller           string    `json:"caller"`
	Route            string    `json:"route"`
	ModelID          string    `json:"model_id"`
	Stream           bool      `json:"stream"`
	CacheStatus      string    `json:"cache_status"`
	Outcome          string    `json:"outcome"`
	Status           int       `json:"status"`
	LatencyMS        int64     `json:"latency_ms"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	BilledUnits      int64     `json:"billed_units"`
	Prompt           string    `json:"prompt"`
	Output           string    `json:"output"`
	CreatedAt        time.Time `json:"created_at"`
}

func (s *Server) handleLogs(ctx *fasthttp.RequestCtx) {
	if s.admin == nil {
		writeError(ctx, apierr.New(apierr.CodeInvalidRequest, "audit store is not configured"))
		return
	}
	args := ctx.QueryArgs()
	var callerID int64
	if v := args.Peek("caller_id"); len(v) > 0 {
		id, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil || id < 0 {
			writeError(ctx, apierr.New(apierr.CodeInvalidRequest, "caller_id must be a non-negative integer"))
			return
		}
		callerID = id
	}
	limit := defaultLogLimit
	if v := args.Peek("limit"); len(v) > 0 {
		n, err := strconv.Atoi(string(v))
		if err != nil || n <= 0 {
			writeError(ctx, apierr.New(apierr.CodeInvalidRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxLogLimit)
	}

	rows, err := s.admin.RecentLogs(ctx, callerID, limit)
	if err != nil {
		s.log.ErrorContext(ctx, "recent_logs_failed", slog.String("error", err.Error()))
		writeError(ctx, apierr.Wrap(apierr.CodeInternal, err, apierr.ErrInternal.Message))
		return
	}
	out := make([]logView, len(rows))
	for i, r := range rows {
		out[i] = logView{
			ID:               r.ID,
			RequestID:        r.RequestID,
			CallerID:         r.CallerID,
			Caller:           r.CallerRef,
			Route:            r.Route,
			ModelID:          r.ModelID,
			Stream:           r.Stream,
			CacheStatus:      r.CacheStatus,
			Outcome:          r.Outcome,
			Status:           r.Status,
			LatencyMS:        r.LatencyMS,
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
			BilledUnits:      r.BilledUnits,
			Prompt:           r.Prompt,
			Output:           r.Output,
			CreatedAt:        r.CreatedAt,
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"items": out, "limit": limit})
}

func (b generateBody) request(requestID string) gateway.Request {
	return gateway.Request{
		Model:     b.Model,
		Prompt:    b.Prompt,
		Params:    b.Params,
		Cache:     b.Cache,
		RequestID: requestID,
	}
}

func handleIDs(hs []backend.Handle) []string {
	ids := make([]string, len(hs))
	for i, h := range hs {
		ids[i] = h.ID()
	}
	return ids
}

// decode parses the JSON request body into v.
func decode(ctx *fasthttp.RequestCtx, v any) error {
	body := ctx.PostBody()
	if len(body) == 0 {
		return apierr.New(apierr.CodeInvalidRequest, "request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apierr.Wrap(apierr.CodeInvalidRequest, err, "invalid JSON body: "+err.Error())
	}
	return nil
}

// requestContext derives the generation context from the server's base
// context. fasthttp does not report client disconnects for buffered
// responses; streams detect them on flush.
func (s *Server) requestContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(s.baseCtx)
}

func credential(ctx *fasthttp.RequestCtx) string {
	return auth.CredentialFromHeaders(
		string(ctx.Request.Header.Peek("X-API-Key")),
		string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)),
	)
}

func callerOf(ctx *fasthttp.RequestCtx) *auth.Caller {
	c, _ := ctx.UserValue(callerKey).(*auth.Caller)
	if c == nil {
		return &auth.Caller{}
	}
	return c
}

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(requestIDKey).(string)
	return id
}

func setCacheHeader(ctx *fasthttp.RequestCtx, status string) {
	if status != "" {
		ctx.Response.Header.Set("X-Cache", status)
	}
}

func writeError(ctx *fasthttp.RequestCtx, err error) {
	apierr.Write(ctx, err, requestIDOf(ctx))
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(ctx, apierr.Wrap(apierr.CodeInternal, err, apierr.ErrInternal.Message))
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}
