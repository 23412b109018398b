// Package native is the client for remote model services that speak the
// gateway's own generation contract (POST /v1/generate, POST
// /v1/generate/stream, GET /healthz). It lets one gateway front another or a
// dedicated model host.
package native

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const providerName = "native"

type generateRequest struct {
	Model        string   `json:"model,omitempty"`
	Prompt       string   `json:"prompt"`
	MaxNewTokens int      `json:"max_new_tokens,omitempty"`
	Temperature  float64  `json:"temperature"`
	TopP         float64  `json:"top_p,omitempty"`
	TopK         int      `json:"top_k,omitempty"`
	Stop         []string `json:"stop,omitempty"`
	Cache        bool     `json:"cache"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type generateResponse struct {
	RequestID string `json:"request_id"`
	Model     string `json:"model"`
	Output    string `json:"output"`
	Usage     usage  `json:"usage"`
}

type streamDelta struct {
	Delta string `json:"delta"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithAPIKey sets the credential forwarded as X-API-Key.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Name() string { return providerName }

func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("native: health check: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("native: health check: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return &ProviderError{StatusCode: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

func (c *Client) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	resp, err := c.post(ctx, "/v1/generate", req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, &ProviderError{StatusCode: http.StatusBadGateway, Message: "invalid response body: " + err.Error()}
	}
	return &providers.Response{
		ID:      gr.RequestID,
		Model:   gr.Model,
		Content: gr.Output,
		Usage: providers.Usage{
			InputTokens:  gr.Usage.PromptTokens,
			OutputTokens: gr.Usage.CompletionTokens,
		},
	}, nil
}

func (c *Client) Stream(ctx context.Context, req *providers.Request) (<-chan providers.StreamChunk, error) {
	resp, err := c.post(ctx, "/v1/generate/stream", req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan providers.StreamChunk, providers.StreamBuffer)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

		event := ""
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				event = ""
				continue
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			case !strings.HasPrefix(line, "data:"):
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			switch event {
			case "done":
				var gr generateResponse
				if err := json.Unmarshal([]byte(data), &gr); err == nil {
					providers.Send(ctx, ch, providers.StreamChunk{
						FinishReason: "stop",
						Usage: &providers.Usage{
							InputTokens:  gr.Usage.PromptTokens,
							OutputTokens: gr.Usage.CompletionTokens,
						},
					})
				}
				return
			case "error":
				var env errorEnvelope
				_ = json.Unmarshal([]byte(data), &env)
				providers.Send(ctx, ch, providers.StreamChunk{Err: &ProviderError{
					StatusCode: http.StatusBadGateway,
					Code:       env.Error.Code,
					Message:    env.Error.Message,
				}})
				return
			}

			var d streamDelta
			if err := json.Unmarshal([]byte(data), &d); err != nil || d.Delta == "" {
				continue
			}
			if !providers.Send(ctx, ch, providers.StreamChunk{Content: d.Delta}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			providers.Send(ctx, ch, providers.StreamChunk{Err: fmt.Errorf("native: read stream: %w", err)})
			return
		}
		providers.Send(ctx, ch, providers.StreamChunk{Err: &ProviderError{
			StatusCode: http.StatusBadGateway,
			Message:    "stream ended without a done event",
		}})
	}()

	return ch, nil
}

func (c *Client) post(ctx context.Context, path string, req *providers.Request, stream bool) (*http.Response, error) {
	body, err := json.Marshal(generateRequest{
		Model:        req.Model,
		Prompt:       req.Prompt,
		MaxNewTokens: req.MaxTokens,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		TopK:         req.TopK,
		Stop:         req.Stop,
	})
	if err != nil {
		return nil, fmt.Errorf("native: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("native: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("native: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

func parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	pe := &ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}

	var env errorEnvelope
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		pe.Code = env.Error.Code
		pe.Message = env.Error.Message
	}
	if pe.Message == "" {
		pe.Message = http.StatusText(resp.StatusCode)
	}
	return pe
}

// ProviderError is a non-200 answer from the remote service.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("native: %s: %s (status=%d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("native: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }
