package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func limiters(t *testing.T) map[string]ratelimit.Limiter {
	rdb, _ := newTestRedis(t)
	return map[string]ratelimit.Limiter{
		"redis":  ratelimit.NewRedisLimiter(rdb, nil),
		"memory": ratelimit.NewMemoryLimiter(),
	}
}

func TestLimiter_AllowsUnderLimitThenBlocks(t *testing.T) {
	for name, l := range limiters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const limit = 3
			for i := 0; i < limit; i++ {
				d, err := l.Allow(ctx, "caller:1", limit)
				if err != nil {
					t.Fatalf("unexpected error at iteration %d: %v", i, err)
				}
				if !d.Allowed {
					t.Fatalf("expected allowed at iteration %d", i)
				}
			}
			d, err := l.Allow(ctx, "caller:1", limit)
			if err != nil {
				t.Fatal(err)
			}
			if d.Allowed {
				t.Fatal("expected request over the limit to be blocked")
			}
			if d.RetryAfter <= 0 || d.RetryAfter > ratelimit.Window {
				t.Errorf("RetryAfter = %v", d.RetryAfter)
			}
		})
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	for name, l := range limiters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if d, _ := l.Allow(ctx, "caller:1", 1); !d.Allowed {
				t.Fatal("first request for caller 1 should pass")
			}
			if d, _ := l.Allow(ctx, "caller:2", 1); !d.Allowed {
				t.Fatal("caller 2 must not share caller 1's window")
			}
			if d, _ := l.Allow(ctx, "caller:1", 1); d.Allowed {
				t.Fatal("second request for caller 1 should be limited")
			}
		})
	}
}

func TestLimiter_ZeroLimitIsUnlimited(t *testing.T) {
	for name, l := range limiters(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 50; i++ {
				if d, _ := l.Allow(context.Background(), "k", 0); !d.Allowed {
					t.Fatal("limit 0 must admit everything")
				}
			}
		})
	}
}

func TestRedisLimiter_WindowSlides(t *testing.T) {
	rdb, mr := newTestRedis(t)
	l := ratelimit.NewRedisLimiter(rdb, nil)
	ctx := context.Background()

	if d, _ := l.Allow(ctx, "k", 1); !d.Allowed {
		t.Fatal("first request should pass")
	}
	mr.FastForward(2 * time.Minute)
	// The key expired with the window.
	if d, _ := l.Allow(ctx, "k", 1); !d.Allowed {
		t.Fatal("request after the window should pass")
	}
}

func TestRedisLimiter_DegradesOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	d, err := ratelimit.NewRedisLimiter(rdb, nil).Allow(context.Background(), "k", 1)
	if err != nil || !d.Allowed {
		t.Fatalf("dead Redis should admit: %+v, %v", d, err)
	}
}

func TestKey(t *testing.T) {
	if got := ratelimit.Key(42); got != "caller:42" {
		t.Errorf("Key(42) = %q", got)
	}
}
