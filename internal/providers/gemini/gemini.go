// Package gemini implements providers.Client for Google Gemini, either
// through the Gemini API (API key) or Vertex AI (project + location with
// Application Default Credentials).
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const (
	defaultBaseURL  = "https://generativelanguage.googleapis.com/v1beta"
	defaultLocation = "us-central1"
	providerName    = "gemini"
)

type Client struct {
	apiKey   string
	baseURL  string
	project  string
	location string
	client   *genai.Client
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithVertex switches the client to the Vertex AI backend. The API key is
// ignored in that mode.
func WithVertex(project, location string) Option {
	return func(c *Client) {
		c.project = project
		c.location = location
	}
}

func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}

	cfg := &genai.ClientConfig{HTTPClient: &http.Client{}}
	if c.project != "" {
		if c.location == "" {
			c.location = defaultLocation
		}
		cfg.Backend = genai.BackendVertexAI
		cfg.Project = c.project
		cfg.Location = c.location
	} else {
		base, ver := splitBaseURLAndVersion(c.baseURL)
		cfg.Backend = genai.BackendGeminiAPI
		cfg.APIKey = c.apiKey
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: base, APIVersion: ver}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	c.client = client
	return c, nil
}

func (c *Client) Name() string { return providerName }

func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

func (c *Client) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents(req), buildConfig(req))
	if err != nil {
		return nil, toProviderError(err)
	}

	out := &providers.Response{ID: req.RequestID, Model: req.Model}
	if resp == nil {
		return out, nil
	}
	if resp.ResponseID != "" {
		out.ID = resp.ResponseID
	}
	out.Content = resp.Text()
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if resp.UsageMetadata != nil {
		out.Usage = providers.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

func (c *Client) Stream(ctx context.Context, req *providers.Request) (<-chan providers.StreamChunk, error) {
	ch := make(chan providers.StreamChunk, providers.StreamBuffer)
	cts, cfg := contents(req), buildConfig(req)

	go func() {
		defer close(ch)

		for resp, err := range c.client.Models.GenerateContentStream(ctx, req.Model, cts, cfg) {
			if err != nil {
				providers.Send(ctx, ch, providers.StreamChunk{Err: toProviderError(err)})
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			cand := resp.Candidates[0]
			text := candidateText(cand)
			finish := string(cand.FinishReason)
			if text == "" && finish == "" {
				continue
			}
			if !providers.Send(ctx, ch, providers.StreamChunk{Content: text, FinishReason: finish}) {
				return
			}
		}
	}()

	return ch, nil
}

func contents(req *providers.Request) []*genai.Content {
	return []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
}

func buildConfig(req *providers.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.TopP > 0 {
		cfg.TopP = genai.Ptr(float32(req.TopP))
	}
	if req.TopK > 0 {
		cfg.TopK = genai.Ptr(float32(req.TopK))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}
	return cfg
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// splitBaseURLAndVersion splits "https://host/v1beta" into the base URL and
// the API version the SDK expects separately.
func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = strings.Join(parts, "/")
	if u.Path != "" {
		u.Path = "/" + u.Path
	}
	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	return len(s) >= 2 && s[0] == 'v' && s[1] >= '0' && s[1] <= '9'
}

// ProviderError is a structured error returned by the Gemini API.
type ProviderError struct {
	StatusCode int
	Message    string
	Status     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, %s)", e.Message, e.StatusCode, e.Status)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Status:     apiErr.Status,
		}
	}
	return err
}
