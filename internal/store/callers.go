package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/internal/quota"
)

// CallerByKeyHash implements auth.Store.
func (db *DB) CallerByKeyHash(ctx context.Context, keyHash string) (*auth.Caller, error) {
	var row Caller
	err := db.WithContext(ctx).Where("key_hash = ?", keyHash).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: caller by hash: %w", err)
	}
	return row.toAuth(), nil
}

// NewCaller describes a caller to create.
type NewCaller struct {
	Name          string
	Role          auth.Role
	QuotaLimit    int64
	MaxConcurrent int
	RPM           int
	AllowedModels []string
}

// CreateCaller issues a new credential. The plaintext key is returned once
// and never stored.
func (db *DB) CreateCaller(ctx context.Context, nc NewCaller) (*auth.Caller, string, error) {
	if nc.Role == "" {
		nc.Role = auth.RoleStandard
	}
	key, prefix, hash, err := auth.GenerateKey()
	if err != nil {
		return nil, "", err
	}
	row := Caller{
		KeyHash:       hash,
		KeyPrefix:     prefix,
		Name:          nc.Name,
		Role:          string(nc.Role),
		Active:        true,
		QuotaLimit:    nc.QuotaLimit,
		MaxConcurrent: nc.MaxConcurrent,
		RPM:           nc.RPM,
		AllowedModels: strings.Join(nc.AllowedModels, ","),
	}
	if err := db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, "", fmt.Errorf("store: create caller: %w", err)
	}
	return row.toAuth(), key, nil
}

// CallerByRef finds a caller by numeric id, key prefix or name.
func (db *DB) CallerByRef(ctx context.Context, ref string) (*auth.Caller, error) {
	row, err := db.callerRow(ctx, ref)
	if err != nil {
		return nil, err
	}
	return row.toAuth(), nil
}

func (db *DB) callerRow(ctx context.Context, ref string) (*Caller, error) {
	q := db.WithContext(ctx)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		q = q.Where("id = ?", id)
	} else {
		q = q.Where("key_prefix = ? OR name = ?", ref, ref)
	}
	var rows []Caller
	if err := q.Limit(2).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: caller %q: %w", ref, err)
	}
	switch len(rows) {
	case 0:
		return nil, auth.ErrNotFound
	case 1:
		return &rows[0], nil
	}
	return nil, fmt.Errorf("store: caller reference %q is ambiguous", ref)
}

// SetActive enables or disables a caller.
func (db *DB) SetActive(ctx context.Context, ref string, active bool) (*auth.Caller, error) {
	row, err := db.callerRow(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Model(row).Update("active", active).Error; err != nil {
		return nil, fmt.Errorf("store: set active: %w", err)
	}
	row.Active = active
	return row.toAuth(), nil
}

// ListCallers returns every caller ordered by id.
func (db *DB) ListCallers(ctx context.Context) ([]*auth.Caller, error) {
	var rows []Caller
	if err := db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list callers: %w", err)
	}
	out := make([]*auth.Caller, len(rows))
	for i := range rows {
		out[i] = rows[i].toAuth()
	}
	return out, nil
}

// QuotaStore adapts DB to quota.Store.
type QuotaStore struct {
	db  *DB
	now func() time.Time
}

func (db *DB) QuotaStore() *QuotaStore {
	return &QuotaStore{db: db, now: time.Now}
}

func (s *QuotaStore) clock() time.Time {
	// Stored timestamps compare as text on SQLite; keep them uniform.
	return s.now().UTC().Truncate(time.Millisecond)
}

// Usage starts a new window when the current one has ended, then reads the
// counters.
func (s *QuotaStore) Usage(ctx context.Context, callerID int64, window time.Duration) (quota.Usage, error) {
	now := s.clock()
	err := s.db.WithContext(ctx).Exec(
		`UPDATE callers SET quota_used = 0, quota_reset_at = ?
		 WHERE id = ? AND (quota_reset_at IS NULL OR quota_reset_at <= ?)`,
		now.Add(window), callerID, now,
	).Error
	if err != nil {
		return quota.Usage{}, fmt.Errorf("store: quota rollover: %w", err)
	}
	return s.read(ctx, callerID)
}

// Add bills units in a single statement: when the window has ended it
// restarts at now with used = units, otherwise used grows by units.
// quota_used is assigned first so MySQL evaluates it against the old
// reset timestamp.
func (s *QuotaStore) Add(ctx context.Context, callerID int64, units int64, window time.Duration) (quota.Usage, error) {
	now := s.clock()
	res := s.db.WithContext(ctx).Exec(
		`UPDATE callers SET
			quota_used = CASE WHEN quota_reset_at IS NULL OR quota_reset_at <= ? THEN ? ELSE quota_used + ? END,
			quota_reset_at = CASE WHEN quota_reset_at IS NULL OR quota_reset_at <= ? THEN ? ELSE quota_reset_at END
		 WHERE id = ?`,
		now, units, units,
		now, now.Add(window),
		callerID,
	)
	if res.Error != nil {
		return quota.Usage{}, fmt.Errorf("store: quota add: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return quota.Usage{}, auth.ErrNotFound
	}
	return s.read(ctx, callerID)
}

func (s *QuotaStore) read(ctx context.Context, callerID int64) (quota.Usage, error) {
	var row Caller
	err := s.db.WithContext(ctx).Select("quota_used", "quota_reset_at").Where("id = ?", callerID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return quota.Usage{}, auth.ErrNotFound
	}
	if err != nil {
		return quota.Usage{}, fmt.Errorf("store: quota read: %w", err)
	}
	u := quota.Usage{Used: row.QuotaUsed}
	if row.QuotaResetAt != nil {
		u.ResetAt = row.QuotaResetAt.UTC()
	}
	return u, nil
}
