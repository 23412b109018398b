package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

type nativeRequest struct {
	Model        string   `json:"model"`
	Prompt       string   `json:"prompt"`
	MaxNewTokens int      `json:"max_new_tokens"`
	Stop         []string `json:"stop"`
}

type nativeUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type nativeResponse struct {
	RequestID string      `json:"request_id"`
	Model     string      `json:"model"`
	Output    string      `json:"output"`
	Usage     nativeUsage `json:"usage"`
}

// newNativeHandler simulates a backend that speaks the gateway's own
// generation contract, so one gateway can front another.
//
//	POST /v1/generate
//	POST /v1/generate/stream   (SSE: delta lines, then event: done)
//	GET  /healthz
func newNativeHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	generate := func(stream bool) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				writeNativeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
				return
			}
			applyLatency(cfg)
			if shouldError(cfg) {
				writeNativeError(w, http.StatusInternalServerError, "backend_error", "mock internal server error")
				return
			}

			var req nativeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeNativeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
				return
			}
			if strings.TrimSpace(req.Prompt) == "" {
				writeNativeError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
				return
			}

			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = fmt.Sprintf("gen-mock%x", rand.Int64())
			}
			out := nativeResponse{
				RequestID: id,
				Model:     req.Model,
				Output:    truncateWords(reply(cfg, req.Prompt), req.MaxNewTokens),
			}
			out.Usage = nativeUsage{PromptTokens: countTokens(req.Prompt), CompletionTokens: countTokens(out.Output)}

			if !stream {
				writeJSON(w, http.StatusOK, out)
				return
			}
			sse := newSSEWriter(w)
			for _, d := range chunks(out.Output) {
				if r.Context().Err() != nil {
					return
				}
				sse.event("", map[string]string{"delta": d})
			}
			sse.event("done", out)
		}
	}
	mux.HandleFunc("/v1/generate", generate(false))
	mux.HandleFunc("/v1/generate/stream", generate(true))

	return mux
}

// truncateWords keeps at most n words of s; n <= 0 keeps everything.
func truncateWords(s string, n int) string {
	if n <= 0 {
		return s
	}
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ")
}

func writeNativeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": msg},
	})
}
