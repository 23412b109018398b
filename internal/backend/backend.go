// Package backend provides the uniform Handle surface over the model
// backends the gateway can route to.
//
// Two variants exist:
//   - Local wraps an in-process Runtime (weights loaded on demand).
//   - Remote wraps a providers.Client talking to a model service over HTTP.
//
// Both are safe for concurrent use. EnsureReady is idempotent and
// deduplicated: concurrent callers wait on a single load or probe.
package backend

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Kind distinguishes the handle variants.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Capability is a feature a model can serve.
type Capability string

const (
	CapGenerate Capability = "generate"
	CapStream   Capability = "stream"
	CapExtract  Capability = "extract"
)

// Capabilities is a set of capabilities in declaration order.
type Capabilities []Capability

// Has reports whether c is in the set.
func (cs Capabilities) Has(c Capability) bool {
	for _, x := range cs {
		if x == c {
			return true
		}
	}
	return false
}

// Strings returns the capabilities as plain strings.
func (cs Capabilities) Strings() []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}

// DefaultCapabilities is used when a model declares none.
var DefaultCapabilities = Capabilities{CapGenerate, CapStream}

// LoadMode controls when a handle becomes ready.
type LoadMode string

const (
	LoadEager LoadMode = "eager" // readied at startup
	LoadLazy  LoadMode = "lazy"  // readied on first use
	LoadOff   LoadMode = "off"   // listed but never loaded
)

// Params is a fully resolved parameter set. Defaults have already been
// applied by the caller.
type Params struct {
	MaxNewTokens int
	Temperature  float64
	TopP         float64
	TopK         int
	Stop         []string
}

// Usage is the token accounting of one generation.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Result is a completed generation.
type Result struct {
	Text         string
	FinishReason string
	Usage        Usage
}

// Chunk is one element of a stream. The channel carrying chunks is closed
// after the last one; a chunk with Err set is always last. The final
// successful chunk may carry Usage when the backend reports it.
type Chunk struct {
	Text         string
	FinishReason string
	Usage        *Usage
	Err          error
}

// State is the readiness state of a handle.
type State string

const (
	StateIdle     State = "idle"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateFailed   State = "failed"
	StateDisabled State = "disabled"
)

// Status is a point-in-time readiness snapshot.
type Status struct {
	ID           string       `json:"model_id"`
	Kind         Kind         `json:"backend"`
	LoadMode     LoadMode     `json:"load_mode"`
	State        State        `json:"state"`
	Ready        bool         `json:"loaded"`
	Detail       string       `json:"detail,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// Handle is the capability surface shared by every backend variant.
type Handle interface {
	ID() string
	Kind() Kind
	Capabilities() Capabilities
	Status() Status

	// EnsureReady loads (local) or probes (remote) the backend.
	EnsureReady(ctx context.Context) error

	// Generate returns the whole completion. It fails with unready when
	// EnsureReady has not succeeded.
	Generate(ctx context.Context, prompt string, p Params) (Result, error)

	// Stream yields the completion incrementally. Canceling ctx stops the
	// upstream work and closes the channel.
	Stream(ctx context.Context, prompt string, p Params) (<-chan Chunk, error)

	Close() error
}

// EstimateTokens approximates a token count as ceil(runes/4).
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (utf8.RuneCountInString(s) + 3) / 4
}

// fillUsage estimates whichever side of u the backend left empty.
func fillUsage(u Usage, prompt, output string) Usage {
	if u.PromptTokens == 0 {
		u.PromptTokens = EstimateTokens(prompt)
	}
	if u.CompletionTokens == 0 {
		u.CompletionTokens = EstimateTokens(output)
	}
	return u
}

func send(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// ParseCapabilities converts configuration strings, ignoring unknown names.
func ParseCapabilities(names []string) Capabilities {
	var out Capabilities
	for _, n := range names {
		switch c := Capability(strings.ToLower(strings.TrimSpace(n))); c {
		case CapGenerate, CapStream, CapExtract:
			if !out.Has(c) {
				out = append(out, c)
			}
		}
	}
	if len(out) == 0 {
		return DefaultCapabilities
	}
	return out
}
