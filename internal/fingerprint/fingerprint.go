// Package fingerprint derives deterministic cache keys from generation
// requests.
//
// Normalization rules:
//   - omitted parameters take their defaults before hashing, so an explicit
//     default and an omitted value produce the same key;
//   - floats are rendered with four decimal places;
//   - stop sequences keep their order, later duplicates are dropped;
//   - the prompt is hashed byte for byte.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// Generation defaults applied when a request omits a parameter.
const (
	DefaultMaxNewTokens = 256
	DefaultTemperature  = 0.7
	DefaultTopP         = 0.95
	DefaultTopK         = 0 // disabled
)

// Size is the length of a Key in bytes.
const Size = sha256.Size

// Key is a fixed-length request fingerprint.
type Key [Size]byte

// String returns the lowercase hex form of k.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Short returns the first 16 hex characters, for log lines.
func (k Key) Short() string { return k.String()[:16] }

// Params are the caller-supplied generation parameters. Nil pointers mean
// "not supplied".
type Params struct {
	MaxNewTokens *int     `json:"max_new_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
	TopK         *int     `json:"top_k,omitempty"`
	Stop         []string `json:"stop,omitempty"`
}

// Resolved is a fully populated, validated parameter set. Backends receive
// this form.
type Resolved struct {
	MaxNewTokens int
	Temperature  float64
	TopP         float64
	TopK         int
	Stop         []string
}

// Resolve fills defaults and validates p.
func (p Params) Resolve() (Resolved, error) {
	r := Resolved{
		MaxNewTokens: DefaultMaxNewTokens,
		Temperature:  DefaultTemperature,
		TopP:         DefaultTopP,
		TopK:         DefaultTopK,
	}
	if p.MaxNewTokens != nil {
		r.MaxNewTokens = *p.MaxNewTokens
	}
	if p.Temperature != nil {
		r.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		r.TopP = *p.TopP
	}
	if p.TopK != nil {
		r.TopK = *p.TopK
	}

	switch {
	case r.MaxNewTokens < 0:
		return Resolved{}, apierr.New(apierr.CodeInvalidRequest, "max_new_tokens must be >= 0, got %d", r.MaxNewTokens)
	case r.Temperature < 0:
		return Resolved{}, apierr.New(apierr.CodeInvalidRequest, "temperature must be >= 0, got %g", r.Temperature)
	case r.TopP <= 0 || r.TopP > 1:
		return Resolved{}, apierr.New(apierr.CodeInvalidRequest, "top_p must be in (0, 1], got %g", r.TopP)
	case r.TopK < 0:
		return Resolved{}, apierr.New(apierr.CodeInvalidRequest, "top_k must be >= 0, got %d", r.TopK)
	}
	if r.MaxNewTokens == 0 {
		r.MaxNewTokens = DefaultMaxNewTokens
	}

	r.Stop = dedupe(p.Stop)
	return r, nil
}

// dedupe keeps the first occurrence of every non-empty stop sequence.
func dedupe(stop []string) []string {
	if len(stop) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(stop))
	out := make([]string, 0, len(stop))
	for _, s := range stop {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Compute returns the fingerprint of (modelID, prompt, params).
func Compute(modelID, prompt string, params Params) (Key, error) {
	r, err := params.Resolve()
	if err != nil {
		return Key{}, err
	}
	return ComputeResolved(modelID, prompt, r)
}

// ComputeResolved hashes an already resolved parameter set.
func ComputeResolved(modelID, prompt string, r Resolved) (Key, error) {
	return ComputeNamespaced("", modelID, prompt, r)
}

// ComputeNamespaced is ComputeResolved for requests whose cached result is
// not a plain completion. Keys in different namespaces never collide; the
// empty namespace yields the ComputeResolved key.
func ComputeNamespaced(namespace, modelID, prompt string, r Resolved) (Key, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return Key{}, apierr.New(apierr.CodeInvalidRequest, "model id must not be empty")
	}
	if r.MaxNewTokens < 0 || r.TopK < 0 {
		return Key{}, apierr.New(apierr.CodeInvalidRequest, "token counts must not be negative")
	}

	h := sha256.New()
	// Length-prefixed fields keep adjacent values from bleeding into each
	// other ("ab"+"c" vs "a"+"bc").
	if namespace != "" {
		writeField(h, "namespace", namespace)
	}
	writeField(h, "model", modelID)
	writeField(h, "prompt", prompt)
	writeField(h, "max_new_tokens", strconv.Itoa(r.MaxNewTokens))
	writeField(h, "temperature", fmtFloat(r.Temperature))
	writeField(h, "top_p", fmtFloat(r.TopP))
	writeField(h, "top_k", strconv.Itoa(r.TopK))
	writeField(h, "stop.len", strconv.Itoa(len(r.Stop)))
	for _, s := range r.Stop {
		writeField(h, "stop", s)
	}

	var k Key
	copy(k[:], h.Sum(nil))
	return k, nil
}

func fmtFloat(f float64) string {
	s := fmt.Sprintf("%.4f", f)
	if s == "-0.0000" {
		return "0.0000"
	}
	return s
}

type byteWriter interface{ Write([]byte) (int, error) }

func writeField(w byteWriter, name, value string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(name)))
	_, _ = w.Write(n[:])
	_, _ = w.Write([]byte(name))
	binary.BigEndian.PutUint64(n[:], uint64(len(value)))
	_, _ = w.Write(n[:])
	_, _ = w.Write([]byte(value))
}
