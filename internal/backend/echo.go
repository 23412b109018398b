package backend

import (
	"context"
	"strings"
	"time"
)

// EchoRuntime is a deterministic Runtime for development and smoke tests.
// It answers with the prompt's words, one token per word, up to
// MaxNewTokens words.
type EchoRuntime struct {
	// TokenDelay is slept between tokens.
	TokenDelay time.Duration
	// LoadDelay is slept by Load.
	LoadDelay time.Duration
}

func (e *EchoRuntime) Load(ctx context.Context) error {
	return sleepCtx(ctx, e.LoadDelay)
}

func (e *EchoRuntime) Generate(ctx context.Context, prompt string, p Params, onToken func(string) error) (Result, error) {
	words := strings.Fields(prompt)
	if p.MaxNewTokens > 0 && len(words) > p.MaxNewTokens {
		words = words[:p.MaxNewTokens]
	}

	var res Result
	for i, w := range words {
		if err := sleepCtx(ctx, e.TokenDelay); err != nil {
			return res, err
		}
		tok := w
		if i > 0 {
			tok = " " + w
		}
		if err := onToken(tok); err != nil {
			return res, err
		}
		res.Usage.CompletionTokens++
	}
	res.FinishReason = "stop"
	if p.MaxNewTokens > 0 && len(strings.Fields(prompt)) > p.MaxNewTokens {
		res.FinishReason = "length"
	}
	return res, nil
}

func (e *EchoRuntime) Close() error { return nil }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
