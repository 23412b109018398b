// Package providers defines the protocol clients used by remote backends.
//
// Each remote protocol (the gateway's own native HTTP contract, OpenAI
// compatible servers, Anthropic, Gemini/Vertex) lives in its own sub-package
// and implements Client. Clients know nothing about readiness, caching or
// quotas; the backend package wraps them in a Handle.
package providers

import (
	"context"
	"time"
)

type (
	// StreamChunk is a single fragment delivered during a streaming response.
	// A chunk with Err set is always the last one on the channel.
	StreamChunk struct {
		Content      string
		FinishReason string
		Usage        *Usage
		Err          error
	}

	// Usage is token usage as reported by the upstream.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Request is a normalized single-prompt generation request.
	Request struct {
		// Model is the upstream model name, which may differ from the
		// gateway's model id.
		Model       string
		Prompt      string
		MaxTokens   int
		Temperature float64
		TopP        float64
		TopK        int
		Stop        []string
		RequestID   string
	}

	// Response is a normalized blocking response.
	Response struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
	}
)

// Client is a remote text-generation protocol.
type Client interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Stream starts a streaming generation. The returned channel is closed
	// after the last chunk; canceling ctx closes the upstream connection and
	// then the channel.
	Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error)

	HealthCheck(ctx context.Context) error
}

// Default timeouts shared by clients.
const (
	RequestTimeout = 60 * time.Second
	HealthTimeout  = 5 * time.Second
	StreamBuffer   = 64
)

// StatusCoder is implemented by errors carrying an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Send delivers c on ch unless ctx is done first. It reports whether the
// chunk was delivered.
func Send(ctx context.Context, ch chan<- StreamChunk, c StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
