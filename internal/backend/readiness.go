package backend

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// readiness tracks the load/probe state of a handle and deduplicates
// concurrent EnsureReady calls into a single attempt.
type readiness struct {
	group singleflight.Group

	mu     sync.RWMutex
	state  State
	detail string
}

func newReadiness(initial State) *readiness {
	return &readiness{state: initial}
}

func (r *readiness) ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state == StateReady
}

func (r *readiness) snapshot() (State, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state, r.detail
}

func (r *readiness) set(s State, detail string) {
	r.mu.Lock()
	r.state, r.detail = s, detail
	r.mu.Unlock()
}

// reset drops a ready handle back to failed so the next EnsureReady retries.
func (r *readiness) reset(cause error) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	r.mu.Lock()
	if r.state == StateReady {
		r.state, r.detail = StateFailed, detail
	}
	r.mu.Unlock()
}

// ensure runs attempt once for all concurrent callers. The attempt runs
// detached from any single caller's cancellation and is bounded by timeout;
// each caller still stops waiting when its own ctx is done.
func (r *readiness) ensure(ctx context.Context, timeout time.Duration, attempt func(context.Context) error) error {
	if r.ready() {
		return nil
	}

	ch := r.group.DoChan("ensure", func() (any, error) {
		if r.ready() {
			return nil, nil
		}
		r.set(StateLoading, "")

		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		if err := attempt(actx); err != nil {
			r.set(StateFailed, err.Error())
			return nil, err
		}
		r.set(StateReady, "")
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}
