// Package quota admits requests against per-caller ceilings and bills usage.
//
// Three limits apply, checked in this order:
//   - quota: billed units per window, persisted by a Store;
//   - concurrency: requests in flight, counted in process;
//   - rate: requests per minute, delegated to a ratelimit.Limiter.
//
// Admission never queues: a request over any limit is rejected at once.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// Unit selects what a quota counts.
type Unit string

const (
	UnitRequests Unit = "requests"
	UnitTokens   Unit = "tokens"
)

// ParseUnit validates a unit name.
func ParseUnit(s string) (Unit, error) {
	switch u := Unit(strings.ToLower(strings.TrimSpace(s))); u {
	case UnitRequests, UnitTokens:
		return u, nil
	case "":
		return UnitRequests, nil
	}
	return "", fmt.Errorf("quota: unknown unit %q", s)
}

// Bill returns the units charged for one completed generation.
func (u Unit) Bill(promptTokens, completionTokens int) int64 {
	if u == UnitTokens {
		return int64(promptTokens + completionTokens)
	}
	return 1
}

// Usage is a caller's position in the current window.
type Usage struct {
	Used    int64
	ResetAt time.Time
}

// Store persists quota counters. Implementations must perform rollover and
// increment in one atomic operation so concurrent commits are never lost.
type Store interface {
	// Usage returns the counters, starting a new window when the current
	// one has ended.
	Usage(ctx context.Context, callerID int64, window time.Duration) (Usage, error)

	// Add bills units. When the window has ended it restarts at now with
	// used = units.
	Add(ctx context.Context, callerID int64, units int64, window time.Duration) (Usage, error)
}

// Options configures a Ledger.
type Options struct {
	Window time.Duration
	Unit   Unit

	// MaxConcurrent and RPM apply to callers without their own value.
	// Zero disables the check.
	MaxConcurrent int
	RPM           int

	// Limiter enforces RPM. Nil disables rate limiting.
	Limiter ratelimit.Limiter

	Logger *slog.Logger
}

// Ledger is safe for concurrent use.
type Ledger struct {
	store Store
	opts  Options
	log   *slog.Logger

	mu       sync.Mutex
	inflight map[int64]int
}

func NewLedger(store Store, opts Options) *Ledger {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.Unit == "" {
		opts.Unit = UnitRequests
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ledger{
		store:    store,
		opts:     opts,
		log:      opts.Logger,
		inflight: make(map[int64]int),
	}
}

// Unit returns the configured billing unit.
func (l *Ledger) Unit() Unit { return l.opts.Unit }

// Admission is a granted in-flight slot.
type Admission struct {
	l        *Ledger
	callerID int64
	once     sync.Once
}

// Release returns the slot. It is idempotent.
func (a *Admission) Release() {
	if a == nil {
		return
	}
	a.once.Do(func() { a.l.release(a.callerID) })
}

// Admit checks the caller's quota, concurrency and rate limits and takes an
// in-flight slot. The caller must Release the admission on every path.
func (l *Ledger) Admit(ctx context.Context, c *auth.Caller) (*Admission, error) {
	if c.QuotaLimit > 0 {
		u, err := l.store.Usage(ctx, c.ID, l.opts.Window)
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeInternal, fmt.Errorf("quota: usage: %w", err), apierr.ErrInternal.Message)
		}
		if u.Used >= c.QuotaLimit {
			return nil, &apierr.Error{
				Code:       apierr.CodeQuotaExceeded,
				Message:    fmt.Sprintf("quota of %d %s exhausted until %s", c.QuotaLimit, l.opts.Unit, u.ResetAt.UTC().Format(time.RFC3339)),
				RetryAfter: time.Until(u.ResetAt),
			}
		}
	}

	limit := l.MaxConcurrent(c)
	l.mu.Lock()
	if limit > 0 && l.inflight[c.ID] >= limit {
		l.mu.Unlock()
		return nil, &apierr.Error{
			Code:       apierr.CodeConcurrencyLimited,
			Message:    fmt.Sprintf("at most %d concurrent requests allowed", limit),
			RetryAfter: time.Second,
		}
	}
	l.inflight[c.ID]++
	l.mu.Unlock()

	a := &Admission{l: l, callerID: c.ID}

	if err := l.checkRate(ctx, c); err != nil {
		a.Release()
		return nil, err
	}
	return a, nil
}

func (l *Ledger) checkRate(ctx context.Context, c *auth.Caller) error {
	if l.opts.Limiter == nil {
		return nil
	}
	rpm := c.RPM
	if rpm <= 0 {
		rpm = l.opts.RPM
	}
	if rpm <= 0 {
		return nil
	}
	d, err := l.opts.Limiter.Allow(ctx, ratelimit.Key(c.ID), rpm)
	if err != nil {
		l.log.WarnContext(ctx, "ratelimit_error", slog.Int64("caller_id", c.ID), slog.String("error", err.Error()))
		return nil
	}
	if !d.Allowed {
		return &apierr.Error{
			Code:       apierr.CodeRateLimited,
			Message:    fmt.Sprintf("rate limit of %d requests per minute exceeded", rpm),
			RetryAfter: d.RetryAfter,
		}
	}
	return nil
}

func (l *Ledger) release(callerID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := l.inflight[callerID]; n <= 1 {
		delete(l.inflight, callerID)
	} else {
		l.inflight[callerID] = n - 1
	}
}

// MaxConcurrent returns the caller's effective concurrency ceiling; zero
// means unlimited.
func (l *Ledger) MaxConcurrent(c *auth.Caller) int {
	if c.MaxConcurrent > 0 {
		return c.MaxConcurrent
	}
	return l.opts.MaxConcurrent
}

// InFlight returns the caller's current in-flight count.
func (l *Ledger) InFlight(callerID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight[callerID]
}

// Commit bills units to the caller. Usage is recorded for unlimited
// callers too.
func (l *Ledger) Commit(ctx context.Context, c *auth.Caller, units int64) error {
	if units < 0 {
		return errors.New("quota: negative units")
	}
	if units == 0 {
		return nil
	}
	if _, err := l.store.Add(ctx, c.ID, units, l.opts.Window); err != nil {
		return fmt.Errorf("quota: commit: %w", err)
	}
	return nil
}

// Snapshot is the caller-facing view of the ledger.
type Snapshot struct {
	Unit      Unit      `json:"unit"`
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	InFlight  int       `json:"in_flight"`
	Unlimited bool      `json:"unlimited"`
}

// Snapshot reports the caller's usage.
func (l *Ledger) Snapshot(ctx context.Context, c *auth.Caller) (Snapshot, error) {
	u, err := l.store.Usage(ctx, c.ID, l.opts.Window)
	if err != nil {
		return Snapshot{}, fmt.Errorf("quota: usage: %w", err)
	}
	s := Snapshot{
		Unit:      l.opts.Unit,
		Limit:     c.QuotaLimit,
		Used:      u.Used,
		ResetAt:   u.ResetAt,
		InFlight:  l.InFlight(c.ID),
		Unlimited: c.QuotaLimit <= 0,
	}
	if !s.Unlimited {
		s.Remaining = max(c.QuotaLimit-u.Used, 0)
	}
	return s, nil
}
