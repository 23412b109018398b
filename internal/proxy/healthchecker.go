package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/backend"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// Probe checks one dependency. Critical probes gate readiness.
type Probe struct {
	Name     string
	Check    func(ctx context.Context) error
	Critical bool
}

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
// Model readiness is read from the registry on every probe and mirrored to
// the gateway_model_ready gauge; probing never loads a model.
type HealthChecker struct {
	probes   []Probe
	statuses map[string]*componentStatus
	models   func() []backend.Status
	baseCtx  context.Context
	metrics  *metrics.Registry

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. models may be nil.
func NewHealthChecker(
	ctx context.Context,
	probes []Probe,
	models func() []backend.Status,
	met *metrics.Registry,
) (*HealthChecker, error) {
	if ctx == nil {
		return nil, errors.New("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		probes:    probes,
		statuses:  make(map[string]*componentStatus, len(probes)),
		models:    models,
		startTime: time.Now(),
		done:      make(chan struct{}),
		baseCtx:   ctx,
		metrics:   met,
	}
	for _, p := range probes {
		hc.statuses[p.Name] = &componentStatus{status: "unknown"}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc, nil
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Components    map[string]string `json:"components"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"
	components := make(map[string]string, len(hc.statuses))
	for name, s := range hc.statuses {
		st := s.get()
		components[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}
	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Components:    components,
	}
}

// ReadinessOK reports whether every critical probe passed last time.
func (hc *HealthChecker) ReadinessOK() bool {
	for _, p := range hc.probes {
		if p.Critical && hc.statuses[p.Name].get() != "ok" {
			return false
		}
	}
	return true
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	// Dependency probes run in parallel.
	var wg sync.WaitGroup
	for _, p := range hc.probes {
		s := hc.statuses[p.Name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch {
			case p.Check == nil || p.Check(ctx) == nil:
				s.set("ok")
			case p.Critical:
				s.set("down")
			default:
				s.set("degraded")
			}
		}()
	}
	wg.Wait()

	if hc.models != nil && hc.metrics != nil {
		for _, st := range hc.models() {
			hc.metrics.SetModelReady(st.ID, st.Ready)
		}
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "ok", "version": s.opts.Version})
		return
	}
	snap := s.health.Snapshot()
	writeJSON(ctx, fasthttp.StatusOK, struct {
		HealthSnapshot
		Version string `json:"version"`
	}{snap, s.opts.Version})
}

// handleReadiness serves /readyz. It never triggers model loading.
func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	componentsOK := s.health == nil || s.health.ReadinessOK()

	def := s.reg.Default()
	modelLoaded := def != nil && def.Status().Ready
	ready := componentsOK && (!s.opts.RequireModelReady || modelLoaded)

	payload := map[string]any{
		"status":              "ready",
		"require_model_ready": s.opts.RequireModelReady,
		"default_model":       s.reg.DefaultID(),
		"model_loaded":        modelLoaded,
	}
	if s.health != nil {
		payload["components"] = s.health.Snapshot().Components
	}
	status := fasthttp.StatusOK
	if !ready {
		payload["status"] = "not ready"
		status = fasthttp.StatusServiceUnavailable
	}
	writeJSON(ctx, status, payload)
}

// handleModelz serves /modelz: 200 when the default model is ready.
func (s *Server) handleModelz(ctx *fasthttp.RequestCtx) {
	def := s.reg.Default()
	payload := map[string]any{
		"default_model": s.reg.DefaultID(),
		"models":        s.reg.Status(),
	}
	if def != nil && def.Status().Ready {
		payload["status"] = "ready"
		writeJSON(ctx, fasthttp.StatusOK, payload)
		return
	}
	payload["status"] = "not ready"
	writeJSON(ctx, fasthttp.StatusServiceUnavailable, payload)
}
