package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	providerName     = "anthropic"
	defaultMaxTokens = 1024
)

// Client implements providers.Client for Anthropic (official SDK).
type Client struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// New creates a new Anthropic Client.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}

	c.client = anthropic.NewClient(
		option.WithAPIKey(c.apiKey),
		option.WithBaseURL(c.baseURL),
		option.WithHTTPClient(&http.Client{}),
		option.WithMaxRetries(0),
	)
	return c
}

func (c *Client) Name() string { return providerName }

func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

func (c *Client) Generate(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	msg, err := c.client.Messages.New(ctx, buildParams(req))
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if tb, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	return &providers.Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: string(msg.StopReason),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (c *Client) Stream(ctx context.Context, req *providers.Request) (<-chan providers.StreamChunk, error) {
	ch := make(chan providers.StreamChunk, providers.StreamBuffer)
	stream := c.client.Messages.NewStreaming(ctx, buildParams(req))

	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			ev := stream.Current()
			switch v := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if d, ok := v.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
					if !providers.Send(ctx, ch, providers.StreamChunk{Content: d.Text}) {
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				if v.Delta.StopReason != "" {
					if !providers.Send(ctx, ch, providers.StreamChunk{FinishReason: string(v.Delta.StopReason)}) {
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			providers.Send(ctx, ch, providers.StreamChunk{Err: toProviderError(err)})
		}
	}()

	return ch, nil
}

func buildParams(req *providers.Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Temperature: anthropic.Float(clampTemperature(req.Temperature)),
	}
	if req.TopP > 0 && req.TopP < 1 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if req.TopK > 0 {
		params.TopK = anthropic.Int(int64(req.TopK))
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	return params
}

// Anthropic accepts temperatures in [0, 1].
func clampTemperature(t float64) float64 {
	if t > 1 {
		return 1
	}
	return t
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
