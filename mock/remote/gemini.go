package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGeminiHandler simulates the Gemini API as reached by google.golang.org/genai:
//
//	POST {base}/v1beta/models/{model}:generateContent
//	POST {base}/v1beta/models/{model}:streamGenerateContent?alt=sse
//	GET  {base}/v1beta/models
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		model := extractModel(path)

		var stream bool
		switch {
		case strings.HasSuffix(path, ":generateContent"):
		case strings.HasSuffix(path, ":streamGenerateContent"):
			stream = true
		default:
			writeGeminiError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("mock: unknown path %s", path))
			return
		}
		if r.Method != http.MethodPost {
			writeGeminiError(w, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "method not allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeGeminiError(w, http.StatusInternalServerError, "INTERNAL", "mock internal error")
			return
		}

		var req struct {
			Contents []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeGeminiError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
			return
		}
		var prompt strings.Builder
		for _, c := range req.Contents {
			if c.Role != "" && c.Role != "user" {
				continue
			}
			for _, p := range c.Parts {
				prompt.WriteString(p.Text)
			}
		}

		id := fmt.Sprintf("gemini-%x", rand.Int64())
		content := reply(cfg, prompt.String())
		inTokens, outTokens := countTokens(prompt.String()), countTokens(content)

		if !stream {
			writeJSON(w, http.StatusOK, geminiResponse(id, model, content, "STOP", inTokens, outTokens))
			return
		}

		sse := newSSEWriter(w)
		parts := chunks(content)
		for i, d := range parts {
			if r.Context().Err() != nil {
				return
			}
			finish := ""
			if i == len(parts)-1 {
				finish = "STOP"
			}
			sse.event("", geminiResponse(id, model, d, finish, inTokens, outTokens))
		}
	})

	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "models/gemini-2.0-flash", "displayName": "Gemini 2.0 Flash"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func geminiResponse(id, model, text, finish string, inTokens, outTokens int) map[string]any {
	candidate := map[string]any{
		"content": map[string]any{
			"role":  "model",
			"parts": []map[string]string{{"text": text}},
		},
		"index": 0,
	}
	if finish != "" {
		candidate["finishReason"] = finish
	}
	return map[string]any{
		"candidates": []any{candidate},
		"usageMetadata": map[string]int{
			"promptTokenCount":     inTokens,
			"candidatesTokenCount": outTokens,
			"totalTokenCount":      inTokens + outTokens,
		},
		"responseId":   id,
		"modelVersion": model,
	}
}

func writeGeminiError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": msg, "status": code},
	})
}

// extractModel pulls the model name out of /v1beta/models/{model}:{method}.
func extractModel(path string) string {
	const prefix = "/v1beta/models/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return ""
	}
	if col := strings.Index(rest, ":"); col >= 0 {
		return rest[:col]
	}
	return rest
}
