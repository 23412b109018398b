package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/fingerprint"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// ComputeFunc produces the entry for a missing key. Streaming computations
// call emit for every chunk in order; blocking ones never call it.
type ComputeFunc func(ctx context.Context, emit func(chunk string)) (Entry, error)

// CompletionOptions configures a Completion.
type CompletionOptions struct {
	// TTL is applied to stored entries. Zero lets the tier decide.
	TTL time.Duration

	// StoreTimeout bounds the tier write after a successful computation.
	StoreTimeout time.Duration

	Logger *slog.Logger
}

// Completion is the single-flight completion cache.
//
// For every key at most one computation is in flight. Later callers for the
// same key attach to it: blocking callers wait for the result, streaming
// callers replay every chunk from the start and then follow live. The
// computation runs detached from any one caller and is canceled only when
// every attached caller has gone. A successful result is written to the
// tier before waiters are released; failures are never stored.
type Completion struct {
	tier Cache
	opts CompletionOptions
	log  *slog.Logger

	mu      sync.Mutex
	flights map[fingerprint.Key]*flight
}

// NewCompletion returns a Completion over tier. A nil tier stores nothing
// but still deduplicates concurrent computations.
func NewCompletion(tier Cache, opts CompletionOptions) *Completion {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Completion{
		tier:    tier,
		opts:    opts,
		log:     opts.Logger,
		flights: make(map[fingerprint.Key]*flight),
	}
}

type flight struct {
	done   chan struct{}
	cancel context.CancelFunc
	refs   int // guarded by Completion.mu

	mu       sync.Mutex
	chunks   []string
	notify   chan struct{}
	finished bool
	hit      bool
	entry    Entry
	err      error
}

func (f *flight) emit(chunk string) {
	if chunk == "" {
		return
	}
	f.mu.Lock()
	f.chunks = append(f.chunks, chunk)
	close(f.notify)
	f.notify = make(chan struct{})
	f.mu.Unlock()
}

func (f *flight) finish(e Entry, hit bool, err error) {
	f.mu.Lock()
	f.entry, f.hit, f.err, f.finished = e, hit, err, true
	close(f.notify)
	f.mu.Unlock()
	close(f.done)
}

// GetOrCompute returns the stored entry for key, or waits for the single
// computation of it, starting one if none is in flight.
func (c *Completion) GetOrCompute(ctx context.Context, key fingerprint.Key, compute ComputeFunc) (Entry, Outcome, error) {
	if e, ok := c.lookup(ctx, key); ok {
		return e, Hit, nil
	}

	f, outcome := c.attach(ctx, key, compute)
	defer c.leave(key, f)

	select {
	case <-f.done:
	case <-ctx.Done():
		return Entry{}, outcome, apierr.From(ctx.Err())
	}
	if f.err != nil {
		return Entry{}, outcome, f.err
	}
	if f.hit {
		outcome = Hit
	}
	return f.entry, outcome, nil
}

// Stream is GetOrCompute for incremental consumers. The caller must Close
// the subscription.
func (c *Completion) Stream(ctx context.Context, key fingerprint.Key, compute ComputeFunc) (*Subscription, Outcome) {
	if e, ok := c.lookup(ctx, key); ok {
		return &Subscription{stored: &e}, Hit
	}
	f, outcome := c.attach(ctx, key, compute)
	return &Subscription{c: c, key: key, f: f}, outcome
}

// Invalidate removes the stored entry for key.
func (c *Completion) Invalidate(ctx context.Context, key fingerprint.Key) error {
	if c.tier == nil {
		return nil
	}
	return c.tier.Delete(ctx, key.String())
}

// InFlight returns the number of computations currently running.
func (c *Completion) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}

func (c *Completion) lookup(ctx context.Context, key fingerprint.Key) (Entry, bool) {
	if c.tier == nil {
		return Entry{}, false
	}
	raw, ok := c.tier.Get(ctx, key.String())
	if !ok {
		return Entry{}, false
	}
	e, err := decodeEntry(raw)
	if err != nil {
		c.log.WarnContext(ctx, "cache_entry_corrupt", slog.String("key", key.Short()), slog.String("error", err.Error()))
		_ = c.tier.Delete(ctx, key.String())
		return Entry{}, false
	}
	return e, true
}

// attach joins the flight for key or starts a new one.
func (c *Completion) attach(ctx context.Context, key fingerprint.Key, compute ComputeFunc) (*flight, Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.flights[key]; ok {
		f.refs++
		return f, Joined
	}

	// The leader's values (request id, logger attrs) flow into the
	// computation, its cancellation does not.
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flight{
		done:   make(chan struct{}),
		cancel: cancel,
		refs:   1,
		notify: make(chan struct{}),
	}
	c.flights[key] = f
	go c.run(fctx, key, f, compute)
	return f, Computed
}

// leave drops one reference. The last reference out cancels an unfinished
// computation and unpublishes it so newcomers start fresh.
func (c *Completion) leave(key fingerprint.Key, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f.refs--
	if f.refs > 0 {
		return
	}
	select {
	case <-f.done:
		return
	default:
	}
	f.cancel()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
}

func (c *Completion) run(ctx context.Context, key fingerprint.Key, f *flight, compute ComputeFunc) {
	defer f.cancel()

	var (
		entry Entry
		hit   bool
		err   error
	)

	// A flight that finished between our tier lookup and attach has
	// already stored its entry.
	if e, ok := c.lookup(ctx, key); ok {
		entry, hit = e, true
	} else {
		entry, err = c.safeCompute(ctx, f, compute)
		if err == nil {
			if entry.CreatedAt.IsZero() {
				entry.CreatedAt = time.Now().UTC()
			}
			c.store(ctx, key, entry)
		}
	}

	c.mu.Lock()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	c.mu.Unlock()

	f.finish(entry, hit, err)
}

func (c *Completion) safeCompute(ctx context.Context, f *flight, compute ComputeFunc) (e Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("cache_compute_panic", slog.Any("panic", r))
			err = apierr.Wrap(apierr.CodeInternal, fmt.Errorf("panic: %v", r), apierr.ErrInternal.Message)
		}
	}()
	return compute(ctx, f.emit)
}

func (c *Completion) store(ctx context.Context, key fingerprint.Key, e Entry) {
	if c.tier == nil {
		return
	}
	raw, err := encodeEntry(e)
	if err != nil {
		c.log.Warn("cache_encode_error", slog.String("error", err.Error()))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, c.opts.StoreTimeout)
	defer cancel()
	if err := c.tier.Set(sctx, key.String(), raw, c.opts.TTL); err != nil {
		c.log.Warn("cache_set_error", slog.String("key", key.Short()), slog.String("error", err.Error()))
	}
}

// Subscription is one streaming consumer of a computation or stored entry.
type Subscription struct {
	c   *Completion
	key fingerprint.Key
	f   *flight

	stored *Entry
	pos    int
	sent   bool
	closed bool
}

// Next blocks for the next chunk. It returns io.EOF after the final chunk of
// a successful computation and the computation's error if it failed.
func (s *Subscription) Next(ctx context.Context) (string, error) {
	if s.stored != nil {
		if s.sent || s.stored.Output == "" {
			return "", io.EOF
		}
		s.sent = true
		return s.stored.Output, nil
	}

	for {
		f := s.f
		f.mu.Lock()
		if s.pos < len(f.chunks) {
			chunk := f.chunks[s.pos]
			s.pos++
			f.mu.Unlock()
			return chunk, nil
		}
		finished, notify := f.finished, f.notify
		f.mu.Unlock()

		if finished {
			if f.err != nil {
				return "", f.err
			}
			// Computations that never emitted (a blocking leader, or a
			// late stored hit) deliver the whole output at once.
			if s.pos == 0 && !s.sent && f.entry.Output != "" {
				s.sent = true
				return f.entry.Output, nil
			}
			return "", io.EOF
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return "", apierr.From(ctx.Err())
		}
	}
}

// Entry returns the final entry. It is valid once Next returned io.EOF.
func (s *Subscription) Entry() Entry {
	if s.stored != nil {
		return *s.stored
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	return s.f.entry
}

// Hit reports whether the subscription was answered by a stored entry.
func (s *Subscription) Hit() bool {
	if s.stored != nil {
		return true
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	return s.f.hit
}

// Close detaches the consumer. It is safe to call more than once.
func (s *Subscription) Close() {
	if s.closed || s.stored != nil {
		s.closed = true
		return
	}
	s.closed = true
	s.c.leave(s.key, s.f)
}
