// Package cache holds completed generations keyed by request fingerprint and
// guarantees that at most one backend computation runs per fingerprint.
//
// Storage tiers implement Cache and are interchangeable:
//   - MemoryCache: in-process, TTL plus an LRU capacity bound.
//   - RedisCache:  shared across replicas, TTL enforced by Redis.
//   - Layered:     memory in front of a shared tier.
//
// The SQL tier lives in internal/store. Completion sits on top of whichever
// tier is configured (or none) and adds the single-flight behaviour.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Cache is a byte-oriented storage tier.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Entry is a stored completion.
type Entry struct {
	Output           string    `json:"output"`
	ModelID          string    `json:"model"`
	FinishReason     string    `json:"finish_reason,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

func encodeEntry(e Entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cache: encode entry: %w", err)
	}
	return b, nil
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("cache: decode entry: %w", err)
	}
	return e, nil
}

// Outcome reports how a lookup was satisfied.
type Outcome int

const (
	// Computed means this caller led the backend computation.
	Computed Outcome = iota
	// Hit means a stored entry answered the request.
	Hit
	// Joined means the caller waited on another caller's computation.
	Joined
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Joined:
		return "join"
	default:
		return "miss"
	}
}
