package cache

import (
	"context"
	"errors"
	"time"
)

// Layered reads through a fast front tier to a shared back tier. Back-tier
// hits are copied to the front with FrontTTL so a replica serves repeated
// keys locally.
type Layered struct {
	Front    Cache
	Back     Cache
	FrontTTL time.Duration
}

func NewLayered(front, back Cache, frontTTL time.Duration) *Layered {
	return &Layered{Front: front, Back: back, FrontTTL: frontTTL}
}

func (l *Layered) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := l.Front.Get(ctx, key); ok {
		return v, true
	}
	v, ok := l.Back.Get(ctx, key)
	if !ok {
		return nil, false
	}
	_ = l.Front.Set(ctx, key, v, l.FrontTTL)
	return v, true
}

func (l *Layered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	frontTTL := l.FrontTTL
	if frontTTL <= 0 || (ttl > 0 && ttl < frontTTL) {
		frontTTL = ttl
	}
	return errors.Join(
		l.Front.Set(ctx, key, value, frontTTL),
		l.Back.Set(ctx, key, value, ttl),
	)
}

func (l *Layered) Delete(ctx context.Context, key string) error {
	return errors.Join(l.Front.Delete(ctx, key), l.Back.Delete(ctx, key))
}
