// Package openai talks to OpenAI and OpenAI-compatible servers (vLLM,
// llama.cpp server, LM Studio) through the official SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

type Client struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// New creates a client. apiKey may be empty for self-hosted servers.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}

	key := c.apiKey
	if key == "" {
		key = "unused"
	}
	c.client = openaiSDK.NewClient(
		option.WithAPIKey(key),
		option.WithBaseURL(c.baseURL),
		// No client-level timeout: long streams are bounded by the request context.
		option.WithHTTPClient(&http.Client{}),
		option.WithMaxRetries(0),
	)
	return c
}

func (c *Client) Name() string { return providerName }

func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

func (c *Client) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	resp, err := c.client.Chat.Completions.New(ctx, buildParams(req), extraOptions(req)...)
	if err != nil {
		return nil, toProviderError(err)
	}

	out := &providers.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = string(resp.Choices[0].FinishReason)
	}
	return out, nil
}

func (c *Client) Stream(ctx context.Context, req *providers.Request) (<-chan providers.StreamChunk, error) {
	ch := make(chan providers.StreamChunk, providers.StreamBuffer)
	stream := c.client.Chat.Completions.NewStreaming(ctx, buildParams(req), extraOptions(req)...)

	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content == "" && choice.FinishReason == "" {
				continue
			}
			if !providers.Send(ctx, ch, providers.StreamChunk{
				Content:      choice.Delta.Content,
				FinishReason: string(choice.FinishReason),
			}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			providers.Send(ctx, ch, providers.StreamChunk{Err: toProviderError(err)})
		}
	}()

	return ch, nil
}

func buildParams(req *providers.Request) openaiSDK.ChatCompletionNewParams {
	params := openaiSDK.ChatCompletionNewParams{
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{
			openaiSDK.UserMessage(req.Prompt),
		},
		Model:       req.Model,
		Temperature: openaiSDK.Float(req.Temperature),
	}
	if req.TopP > 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

// extraOptions carries sampling fields the chat schema does not type but
// OpenAI-compatible servers accept.
func extraOptions(req *providers.Request) []option.RequestOption {
	var opts []option.RequestOption
	if len(req.Stop) > 0 {
		opts = append(opts, option.WithJSONSet("stop", req.Stop))
	}
	if req.TopK > 0 {
		opts = append(opts, option.WithJSONSet("top_k", req.TopK))
	}
	return opts
}

type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d)", e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
