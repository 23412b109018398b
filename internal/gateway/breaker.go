package gateway

import (
	"sync"
	"time"
)

// Breaker defaults.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerWindow    = 60 * time.Second
	DefaultBreakerCooldown  = 30 * time.Second
)

// cbState is the operational state of one model's breaker.
//
//	cbClosed   normal operation; every request passes.
//	cbOpen     the backend keeps failing; requests fail fast.
//	cbHalfOpen one probe request is let through to test recovery.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// BreakerConfig tunes the breaker. Zero values use the defaults above.
type BreakerConfig struct {
	// Threshold is the number of failures within Window that trips the
	// breaker.
	Threshold int

	// Window is the rolling window for counting failures.
	Window time.Duration

	// Cooldown is how long the breaker stays open before a probe.
	Cooldown time.Duration
}

func (c *BreakerConfig) threshold() int {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return DefaultBreakerThreshold
}

func (c *BreakerConfig) window() time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return DefaultBreakerWindow
}

func (c *BreakerConfig) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return DefaultBreakerCooldown
}

type modelCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// Breaker keeps an independent circuit breaker per model id. Models are
// tracked from their first recorded outcome. It is safe for concurrent use.
type Breaker struct {
	mu       sync.RWMutex
	breakers map[string]*modelCB
	cfg      BreakerConfig
	now      func() time.Time

	// onChange is called after a state transition, outside the model lock.
	onChange func(model, state string)
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		breakers: make(map[string]*modelCB),
		cfg:      cfg,
		now:      time.Now,
	}
}

// OnChange registers a transition callback, typically a metrics gauge.
func (cb *Breaker) OnChange(fn func(model, state string)) { cb.onChange = fn }

// Allow reports whether model should receive the next request.
//
//   - Closed: always.
//   - Open: no, unless the cooldown has elapsed, in which case the breaker
//     moves to half-open and admits one probe.
//   - HalfOpen: only when no probe is in flight.
func (cb *Breaker) Allow(model string) bool {
	pcb := cb.get(model)
	if pcb == nil {
		return true
	}

	pcb.mu.Lock()
	allowed, changed := true, false
	switch pcb.state {
	case cbOpen:
		if cb.now().Sub(pcb.openedAt) >= cb.cfg.cooldown() {
			pcb.state = cbHalfOpen
			pcb.probeInflight = true
			changed = true
		} else {
			allowed = false
		}
	case cbHalfOpen:
		if pcb.probeInflight {
			allowed = false
		} else {
			pcb.probeInflight = true
		}
	}
	pcb.mu.Unlock()

	if changed {
		cb.notify(model, cbHalfOpen)
	}
	return allowed
}

// RecordSuccess closes the breaker regardless of its previous state.
func (cb *Breaker) RecordSuccess(model string) {
	pcb := cb.get(model)
	if pcb == nil {
		return
	}

	pcb.mu.Lock()
	changed := pcb.state != cbClosed
	pcb.state = cbClosed
	pcb.errorCount = 0
	pcb.probeInflight = false
	pcb.windowStart = cb.now()
	pcb.mu.Unlock()

	if changed {
		cb.notify(model, cbClosed)
	}
}

// RecordFailure counts a failure. Reaching Threshold within Window, or
// failing the half-open probe, opens the breaker.
func (cb *Breaker) RecordFailure(model string) {
	pcb := cb.getOrCreate(model)

	pcb.mu.Lock()
	now := cb.now()
	if now.Sub(pcb.windowStart) > cb.cfg.window() {
		pcb.errorCount = 0
		pcb.windowStart = now
	}
	pcb.errorCount++
	wasProbe := pcb.state == cbHalfOpen
	pcb.probeInflight = false

	changed := false
	if (pcb.errorCount >= cb.cfg.threshold() || wasProbe) && pcb.state != cbOpen {
		pcb.state = cbOpen
		pcb.openedAt = now
		changed = true
	}
	pcb.mu.Unlock()

	if changed {
		cb.notify(model, cbOpen)
	}
}

// Abandon ends a probe whose outcome says nothing about the backend, such
// as a caller cancellation.
func (cb *Breaker) Abandon(model string) {
	pcb := cb.get(model)
	if pcb == nil {
		return
	}
	pcb.mu.Lock()
	pcb.probeInflight = false
	pcb.mu.Unlock()
}

func (cb *Breaker) state(model string) cbState {
	pcb := cb.get(model)
	if pcb == nil {
		return cbClosed
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateLabel returns "closed", "open" or "half_open".
func (cb *Breaker) StateLabel(model string) string {
	return stateLabel(cb.state(model))
}

func stateLabel(s cbState) string {
	switch s {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *Breaker) notify(model string, s cbState) {
	if cb.onChange != nil {
		cb.onChange(model, stateLabel(s))
	}
}

func (cb *Breaker) get(model string) *modelCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[model]
}

func (cb *Breaker) getOrCreate(model string) *modelCB {
	if pcb := cb.get(model); pcb != nil {
		return pcb
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if pcb, ok := cb.breakers[model]; ok {
		return pcb
	}
	pcb := &modelCB{state: cbClosed, windowStart: cb.now()}
	cb.breakers[model] = pcb
	return pcb
}
