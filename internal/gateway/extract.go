package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/nulpointcorp/inference-gateway/internal/backend"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/extract"
	"github.com/nulpointcorp/inference-gateway/internal/fingerprint"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// ExtractRequest asks for the fields of SchemaID to be pulled out of Text.
type ExtractRequest struct {
	SchemaID string
	Text     string
	Model    string
	Params   fingerprint.Params

	// Cache set to false bypasses the completion cache.
	Cache *bool

	// Repair set to false fails on the first nonconforming output instead of
	// asking the model once more.
	Repair *bool

	RequestID string
}

// ExtractResponse is a conforming extraction.
type ExtractResponse struct {
	SchemaID        string          `json:"schema_id"`
	Model           string          `json:"model"`
	Data            json.RawMessage `json:"data"`
	Cached          bool            `json:"cached"`
	RepairAttempted bool            `json:"repair_attempted"`
	RequestID       string          `json:"request_id"`
	Usage           Usage           `json:"usage"`

	CacheStatus string `json:"-"`
}

// Schemas returns the extraction schema catalog, which may be empty.
func (g *Gateway) Schemas() *extract.Catalog { return g.schemas }

// Extract runs a schema-guided extraction. It follows the Generate state
// machine; the cached value is the validated object, so a hit never calls
// the backend and a stored object that no longer conforms is recomputed.
func (g *Gateway) Extract(ctx context.Context, credential string, req ExtractRequest) (*ExtractResponse, error) {
	c := g.begin(Request{
		Model:     req.Model,
		Prompt:    req.Text,
		Params:    req.Params,
		Cache:     req.Cache,
		RequestID: req.RequestID,
	}, RouteExtract)
	caller, err := g.Authenticate(ctx, credential)
	if err != nil {
		g.finish(ctx, c, err)
		return nil, err
	}
	c.caller = caller
	return g.extract(ctx, c, req)
}

func (g *Gateway) extract(ctx context.Context, c *call, req ExtractRequest) (resp *ExtractResponse, err error) {
	defer func() { g.finish(ctx, c, err) }()

	if strings.TrimSpace(req.Text) == "" {
		return nil, apierr.New(apierr.CodeInvalidRequest, "text must not be empty")
	}
	schema, err := g.schemas.Get(req.SchemaID)
	if err != nil {
		return nil, err
	}
	// Extraction is deterministic unless the caller asks otherwise.
	if c.req.Params.Temperature == nil {
		zero := 0.0
		c.req.Params.Temperature = &zero
	}
	c.namespace = "extract:" + schema.ID

	if err = g.prepare(ctx, c, backend.CapExtract); err != nil {
		return nil, err
	}
	ctx = backend.WithRequestID(ctx, c.req.RequestID)

	repair := req.Repair == nil || *req.Repair
	var attempted atomic.Bool
	compute := g.extractCompute(c, schema, repair, &attempted)

	var entry cache.Entry
	if c.bypass {
		c.cacheStatus = CacheBypass
		entry, err = compute(ctx, nil)
	} else {
		entry, err = g.extractCached(ctx, c, schema, compute)
	}
	if err != nil {
		return nil, apierr.From(err)
	}

	c.setResult(entry)
	g.bill(ctx, c)
	return &ExtractResponse{
		SchemaID:        schema.ID,
		Model:           c.modelID,
		Data:            json.RawMessage(entry.Output),
		Cached:          c.cacheStatus == CacheHit,
		RepairAttempted: attempted.Load(),
		RequestID:       c.req.RequestID,
		Usage:           Usage{PromptTokens: c.usage.PromptTokens, CompletionTokens: c.usage.CompletionTokens},
		CacheStatus:     c.cacheStatus,
	}, nil
}

// extractCached is GetOrCompute with a conformance check on stored objects.
func (g *Gateway) extractCached(ctx context.Context, c *call, s *extract.Schema, compute cache.ComputeFunc) (cache.Entry, error) {
	entry, outcome, err := g.cache.GetOrCompute(ctx, c.key, compute)
	c.cacheStatus = outcome.String()
	if err != nil || outcome != cache.Hit {
		return entry, err
	}
	if cerr := extract.Check(s, []byte(entry.Output)); cerr != nil {
		g.log.WarnContext(ctx, "extract_cache_stale",
			slog.String("request_id", c.req.RequestID),
			slog.String("schema_id", s.ID),
			slog.String("error", cerr.Error()),
		)
		_ = g.cache.Invalidate(context.WithoutCancel(ctx), c.key)
		entry, outcome, err = g.cache.GetOrCompute(ctx, c.key, compute)
		c.cacheStatus = outcome.String()
	}
	return entry, err
}

func (g *Gateway) extractCompute(c *call, s *extract.Schema, repair bool, attempted *atomic.Bool) cache.ComputeFunc {
	h, text, params := c.handle, c.req.Prompt, c.params
	return func(ctx context.Context, _ func(string)) (cache.Entry, error) {
		ctx, cancel := g.withTimeout(ctx)
		defer cancel()

		prompt := extract.Prompt(s, text)
		res, err := g.invoke(ctx, h, prompt, params)
		if err != nil {
			return cache.Entry{}, err
		}
		usage := withEstimates(res.Usage, prompt, res.Text)

		data, err := extract.Parse(s, res.Text)
		var f *extract.Failure
		if errors.As(err, &f) {
			g.metrics.ObserveExtraction(s.ID, h.ID(), f.Stage(false))
			if !repair {
				return cache.Entry{}, err
			}
			attempted.Store(true)
			g.metrics.ObserveExtraction(s.ID, h.ID(), "repair_attempted")

			fix := params
			fix.Temperature = 0
			prompt = extract.RepairPrompt(s, text, res.Text, f)
			res, err = g.invoke(ctx, h, prompt, fix)
			if err != nil {
				return cache.Entry{}, err
			}
			more := withEstimates(res.Usage, prompt, res.Text)
			usage.PromptTokens += more.PromptTokens
			usage.CompletionTokens += more.CompletionTokens

			data, err = extract.Parse(s, res.Text)
			if errors.As(err, &f) {
				g.metrics.ObserveExtraction(s.ID, h.ID(), f.Stage(true))
				g.metrics.ObserveExtraction(s.ID, h.ID(), "repair_failure")
				return cache.Entry{}, err
			}
			g.metrics.ObserveExtraction(s.ID, h.ID(), "repair_success")
		}
		if err != nil {
			return cache.Entry{}, err
		}
		return cache.Entry{
			Output:           string(data),
			ModelID:          h.ID(),
			FinishReason:     "stop",
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
		}, nil
	}
}

func withEstimates(u backend.Usage, prompt, output string) backend.Usage {
	if u.PromptTokens == 0 {
		u.PromptTokens = backend.EstimateTokens(prompt)
	}
	if u.CompletionTokens == 0 {
		u.CompletionTokens = backend.EstimateTokens(output)
	}
	return u
}
