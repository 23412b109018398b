package store

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/inference-gateway/internal/audit"
)

// AuditSink writes audit records to inference_logs.
type AuditSink struct {
	db *DB
}

func (db *DB) AuditSink() *AuditSink { return &AuditSink{db: db} }

func (s *AuditSink) Name() string { return "sql" }

func (s *AuditSink) Write(ctx context.Context, records []audit.Record) error {
	rows := make([]InferenceLog, len(records))
	for i, r := range records {
		rows[i] = InferenceLog{
			ID:               r.ID,
			RequestID:        r.RequestID,
			CallerID:         r.CallerID,
			CallerRef:        r.CallerRef,
			Route:            r.Route,
			ModelID:          r.ModelID,
			Stream:           r.Stream,
			CacheStatus:      r.CacheStatus,
			Outcome:          r.Outcome,
			Status:           r.Status,
			LatencyMS:        r.Latency.Milliseconds(),
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
			BilledUnits:      r.BilledUnits,
			Prompt:           r.Prompt,
			Output:           r.Output,
			CreatedAt:        r.CreatedAt,
		}
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, 100).Error; err != nil {
		return fmt.Errorf("store: append logs: %w", err)
	}
	return nil
}

// RecentLogs returns the newest log rows for a caller, newest first.
func (db *DB) RecentLogs(ctx context.Context, callerID int64, limit int) ([]InferenceLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []InferenceLog
	err := db.WithContext(ctx).
		Where("caller_id = ?", callerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: recent logs: %w", err)
	}
	return rows, nil
}
