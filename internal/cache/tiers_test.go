package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr(), nil)
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCache_SetGetDelete(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss")
	}
	if err := c.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists(redisKeyPrefix + "k") {
		t.Error("key should be stored under the completion prefix")
	}
	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("expected miss after delete")
	}
}

func TestRedisCache_TTL(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	_ = c.Set(ctx, "ttl", []byte("x"), 10*time.Second)
	if _, ok := c.Get(ctx, "ttl"); !ok {
		t.Fatal("key should exist before TTL expires")
	}
	mr.FastForward(11 * time.Second)
	if _, ok := c.Get(ctx, "ttl"); ok {
		t.Fatal("key should have expired")
	}
}

func TestRedisCache_Degrades(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	mr.Close()

	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Error("Get on a dead Redis must report a miss")
	}
	if err := c.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Errorf("Set on a dead Redis must not fail: %v", err)
	}
}

func TestMemoryCache_TTLAndCapacity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewMemoryCache(ctx, 3)

	_ = c.Set(ctx, "short", []byte("x"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(ctx, "short"); ok {
		t.Error("expired entry returned")
	}

	for i := 0; i < 5; i++ {
		_ = c.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Hour)
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}
	if _, ok := c.Get(ctx, "k0"); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.Get(ctx, "k4"); !ok {
		t.Error("newest entry should be present")
	}
}

func TestMemoryCache_EvictExpired(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewMemoryCache(ctx, 10)

	_ = c.Set(ctx, "a", []byte("x"), time.Millisecond)
	_ = c.Set(ctx, "b", []byte("x"), time.Hour)
	time.Sleep(5 * time.Millisecond)
	c.evictExpired()
	if c.Len() != 1 {
		t.Errorf("Len after eviction = %d, want 1", c.Len())
	}
}

func TestMemoryCache_ExpiryKeepsNewerValue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewMemoryCache(ctx, 10)

	_ = c.Set(ctx, "k", []byte("old"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	stale := time.Now()

	// A reader saw the expired value; a writer replaces it before the
	// reader gets to remove it.
	_ = c.Set(ctx, "k", []byte("new"), time.Hour)
	c.expire("k", stale)

	if v, ok := c.Get(ctx, "k"); !ok || string(v) != "new" {
		t.Errorf("Get = %q, %v; want the newer value", v, ok)
	}
}

func TestMemoryCache_ConcurrentSetAndExpiredGet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewMemoryCache(ctx, 100)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("k%d", i)
		_ = c.Set(ctx, key, []byte("old"), time.Nanosecond)
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Get(ctx, key)
		}()
		go func() {
			defer wg.Done()
			_ = c.Set(ctx, key, []byte("new"), time.Hour)
		}()
	}
	wg.Wait()

	for i := 0; i < 50; i++ {
		if v, ok := c.Get(ctx, fmt.Sprintf("k%d", i)); !ok || string(v) != "new" {
			t.Fatalf("k%d = %q, %v; a fresh value was dropped", i, v, ok)
		}
	}
}

func TestLayered_BackHitPopulatesFront(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	front := NewMemoryCache(ctx, 10)
	back, _ := newTestRedis(t)
	l := NewLayered(front, back, time.Minute)

	_ = back.Set(ctx, "k", []byte("v"), time.Hour)
	if _, ok := front.Get(ctx, "k"); ok {
		t.Fatal("front should start empty")
	}
	if v, ok := l.Get(ctx, "k"); !ok || string(v) != "v" {
		t.Fatalf("layered Get = %q, %v", v, ok)
	}
	if _, ok := front.Get(ctx, "k"); !ok {
		t.Error("back hit should be copied to front")
	}

	if err := l.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok := l.Get(ctx, "k"); ok {
		t.Error("delete should clear both tiers")
	}
}

func TestCacheImplementations(t *testing.T) {
	var _ Cache = (*MemoryCache)(nil)
	var _ Cache = (*RedisCache)(nil)
	var _ Cache = (*Layered)(nil)
}
