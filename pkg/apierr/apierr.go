// Package apierr defines the gateway's error taxonomy and the JSON error
// envelope written to clients.
//
// Every failure that can reach a caller is an *Error carrying a stable Code.
// Codes group into four families:
//
//	caller     invalid_request, unauthenticated, disabled, model_not_found, model_not_allowed
//	admission  quota_exceeded, concurrency_limited, rate_limited
//	backend    unready, timeout, unavailable, generation_failed
//	extraction schema_not_found, invalid_json, schema_validation_failed
//	internal   internal_error, canceled
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// Code constants.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeUnauthenticated    = "unauthenticated"
	CodeDisabled           = "disabled"
	CodeForbidden          = "forbidden"
	CodeModelNotFound      = "model_not_found"
	CodeModelNotAllowed    = "model_not_allowed"
	CodeQuotaExceeded      = "quota_exceeded"
	CodeConcurrencyLimited = "concurrency_limited"
	CodeRateLimited        = "rate_limited"
	CodeUnready            = "unready"
	CodeTimeout            = "timeout"
	CodeUnavailable        = "unavailable"
	CodeGenerationFailed   = "generation_failed"
	CodeSchemaNotFound     = "schema_not_found"
	CodeInvalidJSON        = "invalid_json"
	CodeSchemaValidation   = "schema_validation_failed"
	CodeInternal           = "internal_error"
	CodeCanceled           = "canceled"
)

// StatusClientClosedRequest is reported for requests the caller abandoned.
const StatusClientClosedRequest = 499

// Sentinels usable with errors.Is. Matching is by Code only.
var (
	ErrInvalidRequest     = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrUnauthenticated    = &Error{Code: CodeUnauthenticated, Message: "missing or invalid API key"}
	ErrDisabled           = &Error{Code: CodeDisabled, Message: "API key is disabled"}
	ErrForbidden          = &Error{Code: CodeForbidden, Message: "insufficient role"}
	ErrModelNotFound      = &Error{Code: CodeModelNotFound, Message: "model not found"}
	ErrModelNotAllowed    = &Error{Code: CodeModelNotAllowed, Message: "model not allowed for this key"}
	ErrQuotaExceeded      = &Error{Code: CodeQuotaExceeded, Message: "quota exhausted"}
	ErrConcurrencyLimited = &Error{Code: CodeConcurrencyLimited, Message: "too many concurrent requests"}
	ErrRateLimited        = &Error{Code: CodeRateLimited, Message: "rate limit exceeded"}
	ErrUnready            = &Error{Code: CodeUnready, Message: "backend not ready"}
	ErrTimeout            = &Error{Code: CodeTimeout, Message: "backend timed out"}
	ErrUnavailable        = &Error{Code: CodeUnavailable, Message: "backend unavailable"}
	ErrGenerationFailed   = &Error{Code: CodeGenerationFailed, Message: "generation failed"}
	ErrInternal           = &Error{Code: CodeInternal, Message: "internal error"}
	ErrCanceled           = &Error{Code: CodeCanceled, Message: "request canceled"}
)

// Error is a classified gateway error.
type Error struct {
	Code    string
	Message string

	// RetryAfter is advertised to the client on admission errors.
	RetryAfter time.Duration

	// Err is the underlying cause. It is never shown to clients.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// HTTPStatus maps the code to the status class clients see.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidRequest:
		return fasthttp.StatusBadRequest
	case CodeUnauthenticated:
		return fasthttp.StatusUnauthorized
	case CodeDisabled, CodeForbidden, CodeModelNotAllowed:
		return fasthttp.StatusForbidden
	case CodeModelNotFound, CodeSchemaNotFound:
		return fasthttp.StatusNotFound
	case CodeInvalidJSON, CodeSchemaValidation:
		return fasthttp.StatusUnprocessableEntity
	case CodeQuotaExceeded, CodeConcurrencyLimited, CodeRateLimited:
		return fasthttp.StatusTooManyRequests
	case CodeUnready:
		return fasthttp.StatusServiceUnavailable
	case CodeTimeout:
		return fasthttp.StatusGatewayTimeout
	case CodeUnavailable, CodeGenerationFailed:
		return fasthttp.StatusBadGateway
	case CodeCanceled:
		return StatusClientClosedRequest
	default:
		return fasthttp.StatusInternalServerError
	}
}

// Retryable reports whether a caller may reasonably retry the same request later.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeQuotaExceeded, CodeConcurrencyLimited, CodeRateLimited,
		CodeUnready, CodeTimeout, CodeUnavailable:
		return true
	}
	return false
}

// New returns an *Error with a formatted message.
func New(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under code. The cause is kept for logs only.
func Wrap(code string, cause error, message string) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// From classifies any error. Context errors map to timeout and canceled;
// anything unclassified is internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeTimeout, err, ErrTimeout.Message)
	case errors.Is(err, context.Canceled):
		return Wrap(CodeCanceled, err, ErrCanceled.Message)
	}
	return Wrap(CodeInternal, err, ErrInternal.Message)
}

// CodeOf returns the classified code of err, or "" for nil.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return From(err).Code
}

type (
	// APIError is the structured error returned to clients.
	APIError struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Body returns the JSON envelope for err.
func Body(err error, requestID string) []byte {
	e := From(err)
	body, _ := json.Marshal(envelope{Error: APIError{
		Code:      e.Code,
		Message:   e.Message,
		RequestID: requestID,
	}})
	return body
}

// Write writes err as a JSON envelope with its mapped HTTP status.
func Write(ctx *fasthttp.RequestCtx, err error, requestID string) {
	e := From(err)
	if e.RetryAfter > 0 {
		secs := int(e.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	}
	ctx.SetStatusCode(e.HTTPStatus())
	ctx.SetContentType("application/json")
	ctx.SetBody(Body(e, requestID))
}

// WriteInvalid writes a 400 with the given message.
func WriteInvalid(ctx *fasthttp.RequestCtx, requestID, format string, args ...any) {
	Write(ctx, New(CodeInvalidRequest, format, args...), requestID)
}
