package store

import (
	"strings"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/auth"
)

// Caller is a row in callers. Rows are never deleted, only deactivated.
type Caller struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	KeyHash       string `gorm:"size:64;uniqueIndex;not null"`
	KeyPrefix     string `gorm:"size:16;not null"`
	Name          string `gorm:"size:128;not null;default:''"`
	Role          string `gorm:"size:16;not null;default:'standard'"`
	Active        bool   `gorm:"not null;default:true"`
	QuotaLimit    int64  `gorm:"not null;default:0"`
	QuotaUsed     int64  `gorm:"not null;default:0"`
	QuotaResetAt  *time.Time
	MaxConcurrent int    `gorm:"not null;default:0"`
	RPM           int    `gorm:"column:rpm;not null;default:0"`
	AllowedModels string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Caller) TableName() string { return "callers" }

func (c *Caller) toAuth() *auth.Caller {
	out := &auth.Caller{
		ID:            c.ID,
		Name:          c.Name,
		KeyPrefix:     c.KeyPrefix,
		KeyHash:       c.KeyHash,
		Role:          auth.Role(c.Role),
		Active:        c.Active,
		QuotaLimit:    c.QuotaLimit,
		QuotaUsed:     c.QuotaUsed,
		MaxConcurrent: c.MaxConcurrent,
		RPM:           c.RPM,
		AllowedModels: splitModels(c.AllowedModels),
		CreatedAt:     c.CreatedAt,
	}
	if c.QuotaResetAt != nil {
		out.QuotaResetAt = *c.QuotaResetAt
	}
	return out
}

func splitModels(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, m := range strings.Split(s, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

// InferenceLog is a row in inference_logs. Append-only.
type InferenceLog struct {
	ID               string `gorm:"primaryKey;size:36"`
	RequestID        string `gorm:"size:64;index"`
	CallerID         int64  `gorm:"index"`
	CallerRef        string `gorm:"size:160"`
	Route            string `gorm:"size:64"`
	ModelID          string `gorm:"size:128;index"`
	Stream           bool
	CacheStatus      string `gorm:"size:16"`
	Outcome          string `gorm:"size:32;index"`
	Status           int
	LatencyMS        int64
	PromptTokens     int
	CompletionTokens int
	BilledUnits      int64
	Prompt           string    `gorm:"type:text"`
	Output           string    `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"index"`
}

func (InferenceLog) TableName() string { return "inference_logs" }

// CompletionEntry is a row in completion_cache.
type CompletionEntry struct {
	Key       string    `gorm:"column:cache_key;primaryKey;size:128"`
	Value     []byte    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	CreatedAt time.Time
}

func (CompletionEntry) TableName() string { return "completion_cache" }
