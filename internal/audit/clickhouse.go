package audit

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const clickhouseTable = `
CREATE TABLE IF NOT EXISTS inference_logs (
	id                String,
	request_id        String,
	caller_id         Int64,
	caller_ref        String,
	route             LowCardinality(String),
	model_id          LowCardinality(String),
	stream            Bool,
	cache_status      LowCardinality(String),
	outcome           LowCardinality(String),
	status            UInt16,
	latency_ms        UInt32,
	prompt_tokens     UInt32,
	completion_tokens UInt32,
	billed_units      Int64,
	prompt            String,
	output            String,
	created_at        DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (created_at, caller_id)`

// ClickHouseSink appends records to a MergeTree table for analytics.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects using a clickhouse:// DSN and creates the
// table when missing.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, clickhouseTable); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: clickhouse migrate: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, records []Record) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO inference_logs")
	if err != nil {
		return fmt.Errorf("audit: clickhouse prepare: %w", err)
	}
	for _, r := range records {
		err := batch.Append(
			r.ID,
			r.RequestID,
			r.CallerID,
			r.CallerRef,
			r.Route,
			r.ModelID,
			r.Stream,
			r.CacheStatus,
			r.Outcome,
			uint16(r.Status),
			uint32(r.Latency.Milliseconds()),
			uint32(r.PromptTokens),
			uint32(r.CompletionTokens),
			r.BilledUnits,
			r.Prompt,
			r.Output,
			r.CreatedAt,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("audit: clickhouse append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("audit: clickhouse send: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }
