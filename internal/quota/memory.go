package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps counters in process. It is used when no database or
// Redis is configured and in tests.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[int64]Usage
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[int64]Usage), now: time.Now}
}

func (s *MemoryStore) Usage(ctx context.Context, callerID int64, window time.Duration) (Usage, error) {
	return s.Add(ctx, callerID, 0, window)
}

func (s *MemoryStore) Add(_ context.Context, callerID int64, units int64, window time.Duration) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	u := s.counters[callerID]
	if !u.ResetAt.After(now) {
		u = Usage{ResetAt: now.Add(window)}
	}
	u.Used += units
	s.counters[callerID] = u
	return u, nil
}
