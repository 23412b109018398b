package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

func newTestClient(srv *httptest.Server) *Client {
	return New("mock-api-key", WithBaseURL(srv.URL+"/v1"))
}

func baseRequest() *providers.Request {
	return &providers.Request{
		Model:       "llama-3-8b",
		Prompt:      "Hello",
		MaxTokens:   32,
		Temperature: 0.7,
		TopP:        0.95,
		TopK:        40,
		Stop:        []string{"###"},
		RequestID:   "req-mock-1",
	}
}

func TestClient_Name(t *testing.T) {
	if New("key").Name() != "openai" {
		t.Fatal("unexpected name")
	}
}

func TestClient_Generate_Success(t *testing.T) {
	responseBody := map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 0,
		"model":   "llama-3-8b",
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "Hello, world!"},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("wrong Authorization header: %s", r.Header.Get("Authorization"))
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["top_k"] != float64(40) {
			t.Errorf("top_k not forwarded: %v", body["top_k"])
		}
		if stop, _ := body["stop"].([]any); len(stop) != 1 || stop[0] != "###" {
			t.Errorf("stop not forwarded: %v", body["stop"])
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	resp, err := newTestClient(srv).Generate(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hello, world!" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
}

func TestClient_Stream(t *testing.T) {
	chunks := []string{
		`{"id":"c1","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	ch, err := newTestClient(srv).Stream(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content, finish string
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("stream error: %v", c.Err)
		}
		content += c.Content
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	if content != "Hello world" {
		t.Errorf("content = %q", content)
	}
	if finish != "stop" {
		t.Errorf("finish = %q", finish)
	}
}

func TestClient_Stream_CancelClosesChannel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `data: {"id":"c","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{"content":"a"},"finish_reason":null}]}`+"\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := newTestClient(srv).Stream(ctx, baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	<-ch
	cancel()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}

func TestClient_Generate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "Service unavailable", "type": "server_error"},
		})
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Generate(context.Background(), baseRequest())
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if provErr.HTTPStatus() != http.StatusServiceUnavailable {
		t.Errorf("status = %d", provErr.HTTPStatus())
	}
	if !strings.Contains(strings.ToLower(provErr.Message), "unavailable") {
		t.Errorf("message = %q", provErr.Message)
	}
}
