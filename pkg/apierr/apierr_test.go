package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

func TestHTTPStatus_Mapping(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{ErrInvalidRequest, 400},
		{ErrUnauthenticated, 401},
		{ErrDisabled, 403},
		{ErrModelNotAllowed, 403},
		{ErrModelNotFound, 404},
		{ErrQuotaExceeded, 429},
		{ErrConcurrencyLimited, 429},
		{ErrRateLimited, 429},
		{ErrUnready, 503},
		{ErrTimeout, 504},
		{ErrUnavailable, 502},
		{ErrGenerationFailed, 502},
		{ErrInternal, 500},
		{ErrCanceled, StatusClientClosedRequest},
		{New(CodeSchemaNotFound, "x"), 404},
		{New(CodeInvalidJSON, "x"), 422},
		{New(CodeSchemaValidation, "x"), 422},
	}
	for _, tc := range cases {
		if got := tc.err.HTTPStatus(); got != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.err.Code, got, tc.want)
		}
	}
}

func TestIs_MatchesByCode(t *testing.T) {
	err := fmt.Errorf("registry: resolve: %w", New(CodeModelNotFound, "model %q is not registered", "m9"))
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatal("expected errors.Is to match by code")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatal("unexpected match with a different code")
	}
}

func TestFrom_ClassifiesContextErrors(t *testing.T) {
	if got := From(context.DeadlineExceeded).Code; got != CodeTimeout {
		t.Errorf("deadline: got %q", got)
	}
	if got := From(context.Canceled).Code; got != CodeCanceled {
		t.Errorf("canceled: got %q", got)
	}
	if got := From(errors.New("boom")).Code; got != CodeInternal {
		t.Errorf("plain: got %q", got)
	}
	if From(nil) != nil {
		t.Error("From(nil) should be nil")
	}
}

func TestWrite_EnvelopeAndRetryAfter(t *testing.T) {
	var ctx fasthttp.RequestCtx
	e := New(CodeRateLimited, "slow down")
	e.RetryAfter = 1500 * time.Millisecond

	Write(&ctx, e, "req-1")

	if ctx.Response.StatusCode() != 429 {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
	var env struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Code != CodeRateLimited || env.Error.Message != "slow down" || env.Error.RequestID != "req-1" {
		t.Errorf("unexpected envelope: %+v", env.Error)
	}
}

func TestWrite_HidesCause(t *testing.T) {
	var ctx fasthttp.RequestCtx
	Write(&ctx, Wrap(CodeInternal, errors.New("dial tcp 10.0.0.1:5432: refused"), "store unavailable"), "")
	if got := string(ctx.Response.Body()); got != `{"error":{"code":"internal_error","message":"store unavailable"}}` {
		t.Errorf("body = %s", got)
	}
}
