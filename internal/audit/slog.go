package audit

import (
	"context"
	"log/slog"
)

// SlogSink writes records as structured log lines.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) Name() string { return "log" }

func (s *SlogSink) Write(ctx context.Context, records []Record) error {
	for _, r := range records {
		s.log.InfoContext(ctx, "inference",
			slog.String("id", r.ID),
			slog.String("request_id", r.RequestID),
			slog.Int64("caller_id", r.CallerID),
			slog.String("caller", r.CallerRef),
			slog.String("route", r.Route),
			slog.String("model", r.ModelID),
			slog.Bool("stream", r.Stream),
			slog.String("cache", r.CacheStatus),
			slog.String("outcome", r.Outcome),
			slog.Int("status", r.Status),
			slog.Int64("latency_ms", r.Latency.Milliseconds()),
			slog.Int("prompt_tokens", r.PromptTokens),
			slog.Int("completion_tokens", r.CompletionTokens),
			slog.Int64("billed_units", r.BilledUnits),
			slog.Time("created_at", r.CreatedAt),
		)
	}
	return nil
}

// Discard drops every record.
type Discard struct{}

func (Discard) Name() string { return "none" }

func (Discard) Write(context.Context, []Record) error { return nil }
