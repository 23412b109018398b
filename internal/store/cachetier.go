package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CompletionCache is a cache.Cache tier on the completion_cache table.
// Expired rows are ignored on read and removed by PurgeExpired.
type CompletionCache struct {
	db  *DB
	log *slog.Logger
	now func() time.Time
}

func (db *DB) CompletionCache(log *slog.Logger) *CompletionCache {
	if log == nil {
		log = slog.Default()
	}
	return &CompletionCache{db: db, log: log, now: time.Now}
}

func (c *CompletionCache) clock() time.Time {
	return c.now().UTC().Truncate(time.Millisecond)
}

func (c *CompletionCache) Get(ctx context.Context, key string) ([]byte, bool) {
	var row CompletionEntry
	err := c.db.WithContext(ctx).
		Where("cache_key = ? AND expires_at > ?", key, c.clock()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false
	}
	if err != nil {
		c.log.WarnContext(ctx, "sql cache get failed", slog.String("error", err.Error()))
		return nil, false
	}
	return row.Value, true
}

func (c *CompletionCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := c.clock()
	row := CompletionEntry{Key: key, Value: value, ExpiresAt: now.Add(ttl), CreatedAt: now}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "created_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: cache set: %w", err)
	}
	return nil
}

func (c *CompletionCache) Delete(ctx context.Context, key string) error {
	if err := c.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&CompletionEntry{}).Error; err != nil {
		return fmt.Errorf("store: cache delete: %w", err)
	}
	return nil
}

// PurgeExpired removes expired rows and reports how many were deleted.
func (c *CompletionCache) PurgeExpired(ctx context.Context) (int64, error) {
	res := c.db.WithContext(ctx).Where("expires_at <= ?", c.clock()).Delete(&CompletionEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: cache purge: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RunPurger calls PurgeExpired every interval until ctx is done.
func (c *CompletionCache) RunPurger(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.PurgeExpired(ctx)
			if err != nil {
				c.log.WarnContext(ctx, "sql cache purge failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				c.log.DebugContext(ctx, "sql cache purged", slog.Int64("rows", n))
			}
		}
	}
}
