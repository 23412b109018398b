// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var latencyBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120}

// Registry holds all exported metrics. It satisfies gateway.Metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_generations_total{route,model,cache,outcome}
	generationsTotal *prometheus.CounterVec

	// gateway_generation_duration_seconds{route,model,cache}
	generationDuration *prometheus.HistogramVec

	// gateway_cache_lookups_total{result}
	cacheLookups *prometheus.CounterVec

	// gateway_admission_rejections_total{reason}
	admissionRejections *prometheus.CounterVec

	// gateway_tokens_total{model,direction,cache}
	tokensTotal *prometheus.CounterVec

	// gateway_extraction_events_total{schema,model,event}
	extractions *prometheus.CounterVec

	// gateway_circuit_breaker_state{model} 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{model,to_state}
	cbTransitions *prometheus.CounterVec

	// gateway_model_ready{model}
	modelReady *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]string

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]string),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + backend)",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		generationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_generations_total",
				Help: "Generation requests by route, model, cache status and outcome",
			},
			[]string{"route", "model", "cache", "outcome"},
		),

		generationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_generation_duration_seconds",
				Help:    "Generation duration from admission to release in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"route", "model", "cache"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_lookups_total",
				Help: "Completion cache lookups by result (hit, miss, join, bypass)",
			},
			[]string{"result"},
		),

		admissionRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_admission_rejections_total",
				Help: "Requests rejected by the quota and rate ledger",
			},
			[]string{"reason"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals by model, direction and cache status",
			},
			[]string{"model", "direction", "cache"},
		),

		extractions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_extraction_events_total",
				Help: "Extraction parse, validation and repair events by schema and model",
			},
			[]string{"schema", "model", "event"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"model"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"model", "to_state"},
		),

		modelReady: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_model_ready",
				Help: "Model readiness (1=ready, 0=not ready)",
			},
			[]string{"model"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.generationsTotal,
		r.generationDuration,
		r.cacheLookups,
		r.admissionRejections,
		r.tokensTotal,
		r.extractions,
		r.circuitBreakerState,
		r.cbTransitions,
		r.modelReady,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveRequest records one finished generation request.
func (r *Registry) ObserveRequest(route, model, cacheStatus, outcome string, d time.Duration) {
	if model == "" {
		model = "none"
	}
	if cacheStatus == "" {
		cacheStatus = "none"
	} else {
		r.cacheLookups.WithLabelValues(cacheStatus).Inc()
	}
	r.generationsTotal.WithLabelValues(route, model, cacheStatus, outcome).Inc()
	r.generationDuration.WithLabelValues(route, model, cacheStatus).Observe(d.Seconds())

	switch outcome {
	case "quota_exceeded", "concurrency_limited", "rate_limited":
		r.admissionRejections.WithLabelValues(outcome).Inc()
	}
}

// ObserveTokens adds the token counts of a successful request.
func (r *Registry) ObserveTokens(model, cacheStatus string, prompt, completion int) {
	if prompt > 0 {
		r.tokensTotal.WithLabelValues(model, "prompt", cacheStatus).Add(float64(prompt))
	}
	if completion > 0 {
		r.tokensTotal.WithLabelValues(model, "completion", cacheStatus).Add(float64(completion))
	}
}

// ObserveExtraction counts one extraction event.
func (r *Registry) ObserveExtraction(schemaID, model, event string) {
	r.extractions.WithLabelValues(schemaID, model, event).Inc()
}

// SetModelReady sets the readiness gauge of one model.
func (r *Registry) SetModelReady(model string, ok bool) {
	if ok {
		r.modelReady.WithLabelValues(model).Set(1)
		return
	}
	r.modelReady.WithLabelValues(model).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes. state is closed, open or
// half_open.
func (r *Registry) SetCircuitBreaker(model, state string) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half_open":
		v = 2
	}
	r.circuitBreakerState.WithLabelValues(model).Set(v)

	r.cbMu.Lock()
	prev, ok := r.lastCBState[model]
	if !ok || prev != state {
		r.lastCBState[model] = state
		r.cbTransitions.WithLabelValues(model, state).Inc()
	}
	r.cbMu.Unlock()
}

// AuditCounters exposes the audit pipeline's counters.
type AuditCounters interface {
	Written() int64
	Dropped() int64
	Failed() int64
}

// RegisterAudit exports the audit logger's counters as
// gateway_audit_records_total{result}.
func (r *Registry) RegisterAudit(a AuditCounters) {
	for result, fn := range map[string]func() int64{
		"written": a.Written,
		"dropped": a.Dropped,
		"failed":  a.Failed,
	} {
		fn := fn
		r.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "gateway_audit_records_total",
			Help:        "Audit records by result",
			ConstLabels: prometheus.Labels{"result": result},
		}, func() float64 { return float64(fn()) }))
	}
}

// RegisterCacheFlights exports the number of computations in flight.
func (r *Registry) RegisterCacheFlights(inFlight func() int) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_cache_flights",
		Help: "Completion computations currently in flight",
	}, func() float64 { return float64(inFlight()) }))
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
