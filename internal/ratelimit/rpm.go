// Package ratelimit implements per-caller requests-per-minute limits as a
// sliding window, either shared through Redis (atomic Lua script) or held
// in process.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is the sliding window length.
const Window = time.Minute

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until a slot frees up. Set when not allowed.
	RetryAfter time.Duration
}

// Limiter admits requests per key. A limit <= 0 admits everything.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (Decision, error)
}

// slidingWindowScript admits a request when fewer than limit requests were
// recorded in the last window.
// KEYS[1] = counter key
// ARGV[1] = now (ns), ARGV[2] = window (ns), ARGV[3] = limit
// Returns {1, 0} when allowed, {0, retry_after_ns} when limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			local retry = window
			if oldest[2] then
				retry = tonumber(oldest[2]) + window - now
			end
			return {0, retry}
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return {1, 0}
`)

const keyPrefix = "igw:ratelimit:rpm:"

// RedisLimiter shares counters between replicas.
type RedisLimiter struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisLimiter(rdb *redis.Client, log *slog.Logger) *RedisLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RedisLimiter{rdb: rdb, log: log}
}

// Allow admits the request when Redis is unreachable so an outage does not
// block traffic.
func (r *RedisLimiter) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	res, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + key},
		time.Now().UnixNano(), Window.Nanoseconds(), limit,
	).Int64Slice()
	if err != nil || len(res) != 2 {
		r.log.WarnContext(ctx, "ratelimit_redis_error", slog.String("key", key), slog.Any("error", err))
		return Decision{Allowed: true}, nil
	}
	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: time.Duration(res[1])}, nil
}

// MemoryLimiter keeps windows in process. Use it for single-replica
// deployments.
type MemoryLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{hits: make(map[string][]time.Time), now: time.Now}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	now := m.now()
	cutoff := now.Add(-Window)

	m.mu.Lock()
	defer m.mu.Unlock()

	hits := m.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) >= limit {
		m.hits[key] = hits
		return Decision{RetryAfter: hits[0].Add(Window).Sub(now)}, nil
	}
	m.hits[key] = append(hits, now)
	return Decision{Allowed: true}, nil
}

// Key returns the limiter key for a caller id.
func Key(callerID int64) string {
	return "caller:" + strconv.FormatInt(callerID, 10)
}
