package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/valyala/fasthttp"
)

func TestObserveRequest(t *testing.T) {
	r := New()
	r.ObserveRequest("generate", "tiny", "hit", "ok", 5*time.Millisecond)
	r.ObserveRequest("generate", "tiny", "hit", "ok", 5*time.Millisecond)
	r.ObserveRequest("generate", "", "", "unauthenticated", time.Millisecond)
	r.ObserveRequest("stream", "tiny", "", "rate_limited", time.Millisecond)

	if got := testutil.ToFloat64(r.generationsTotal.WithLabelValues("generate", "tiny", "hit", "ok")); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.generationsTotal.WithLabelValues("generate", "none", "none", "unauthenticated")); got != 1 {
		t.Errorf("unauthenticated = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.cacheLookups.WithLabelValues("hit")); got != 2 {
		t.Errorf("cache lookups = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.admissionRejections.WithLabelValues("rate_limited")); got != 1 {
		t.Errorf("rejections = %v, want 1", got)
	}
}

func TestObserveTokens_SkipsZero(t *testing.T) {
	r := New()
	r.ObserveTokens("tiny", "miss", 4, 0)
	if got := testutil.ToFloat64(r.tokensTotal.WithLabelValues("tiny", "prompt", "miss")); got != 4 {
		t.Errorf("prompt tokens = %v", got)
	}
	if n := testutil.CollectAndCount(r.tokensTotal); n != 1 {
		t.Errorf("series = %d, want only the prompt series", n)
	}
}

func TestSetCircuitBreaker_CountsTransitions(t *testing.T) {
	r := New()
	r.SetCircuitBreaker("remote", "open")
	r.SetCircuitBreaker("remote", "open")
	r.SetCircuitBreaker("remote", "half_open")

	if got := testutil.ToFloat64(r.circuitBreakerState.WithLabelValues("remote")); got != 2 {
		t.Errorf("state = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.cbTransitions.WithLabelValues("remote", "open")); got != 1 {
		t.Errorf("open transitions = %v, want 1", got)
	}
}

type counters struct{ w, d, f int64 }

func (c counters) Written() int64 { return c.w }
func (c counters) Dropped() int64 { return c.d }
func (c counters) Failed() int64  { return c.f }

func TestHandler_ExposesRegisteredFuncs(t *testing.T) {
	r := New()
	r.RegisterAudit(counters{w: 7, d: 1, f: 2})
	r.RegisterCacheFlights(func() int { return 3 })
	r.SetBuildInfo("test")

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/metrics")
	r.Handler()(&ctx)

	body := string(ctx.Response.Body())
	for _, want := range []string{
		`gateway_audit_records_total{result="written"} 7`,
		`gateway_audit_records_total{result="failed"} 2`,
		`gateway_cache_flights 3`,
		`gateway_build_info{version="test"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestObserveExtraction(t *testing.T) {
	r := New()
	r.ObserveExtraction("ticket_v1", "tiny", "validate")
	r.ObserveExtraction("ticket_v1", "tiny", "repair_attempted")
	r.ObserveExtraction("ticket_v1", "tiny", "repair_success")

	if got := testutil.ToFloat64(r.extractions.WithLabelValues("ticket_v1", "tiny", "repair_success")); got != 1 {
		t.Errorf("repair_success = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(r.extractions); n != 3 {
		t.Errorf("series = %d, want 3", n)
	}
}
