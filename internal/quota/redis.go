package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// addScript rolls the window over when it has ended and adds units, in one
// atomic step. Rollover and key expiry both use the Redis server clock.
// KEYS[1] = counter hash
// ARGV[1] = units, ARGV[2] = window (ms)
// Returns {used, reset_at_ms}.
var addScript = redis.NewScript(`
		local key    = KEYS[1]
		local units  = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local t      = redis.call('TIME')
		local now    = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

		local reset = tonumber(redis.call('HGET', key, 'reset_at') or '0')
		local used
		if reset <= now then
			reset = now + window
			used = units
			redis.call('HSET', key, 'used', used, 'reset_at', reset)
		else
			used = redis.call('HINCRBY', key, 'used', units)
		end
		redis.call('PEXPIREAT', key, reset)
		return {used, reset}
`)

const redisKeyPrefix = "igw:quota:"

// RedisStore keeps quota counters in Redis hashes that expire with their
// window.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Usage(ctx context.Context, callerID int64, window time.Duration) (Usage, error) {
	return s.Add(ctx, callerID, 0, window)
}

func (s *RedisStore) Add(ctx context.Context, callerID int64, units int64, window time.Duration) (Usage, error) {
	key := redisKeyPrefix + strconv.FormatInt(callerID, 10)
	res, err := addScript.Run(ctx, s.rdb, []string{key},
		units, window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Usage{}, fmt.Errorf("quota: redis add: %w", err)
	}
	if len(res) != 2 {
		return Usage{}, fmt.Errorf("quota: redis add: unexpected reply %v", res)
	}
	return Usage{Used: res[0], ResetAt: time.UnixMilli(res[1]).UTC()}, nil
}
