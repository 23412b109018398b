package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newOpenAIHandler simulates the OpenAI chat completions API. Models with
// protocol openai and a custom base_url (vLLM, TGI, Ollama) hit the same
// wire format.
func newOpenAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}

		var prompt string
		for _, m := range req.Messages {
			if m.Role == "user" {
				prompt = textContent(m.Content)
			}
		}

		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		content := reply(cfg, prompt)
		inTokens, outTokens := countTokens(prompt), countTokens(content)

		if req.Stream {
			serveOpenAIStream(w, r, id, req.Model, content, inTokens, outTokens)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     inTokens,
				"completion_tokens": outTokens,
				"total_tokens":      inTokens + outTokens,
			},
		})
	})

	// Health probes list models.
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o-mini", "object": "model", "created": 1710000000, "owned_by": "mock"},
				{"id": "llama-3-8b-instruct", "object": "model", "created": 1710000000, "owned_by": "mock"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// textContent accepts either a plain string or an array of text parts.
func textContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func serveOpenAIStream(w http.ResponseWriter, r *http.Request, id, model, content string, inTokens, outTokens int) {
	sse := newSSEWriter(w)
	chunk := func(delta map[string]string, finish any) map[string]any {
		return map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		}
	}

	for _, d := range chunks(content) {
		if r.Context().Err() != nil {
			return
		}
		sse.event("", chunk(map[string]string{"content": d}, nil))
	}

	final := chunk(map[string]string{}, "stop")
	final["usage"] = map[string]int{
		"prompt_tokens":     inTokens,
		"completion_tokens": outTokens,
		"total_tokens":      inTokens + outTokens,
	}
	sse.event("", final)
	sse.raw("[DONE]")
}
