package backend

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// Classify maps a raw backend error onto the gateway taxonomy. Errors that
// are already classified pass through unchanged.
func Classify(modelID string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return apierr.Wrap(apierr.CodeCanceled, err, apierr.ErrCanceled.Message)
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.Wrap(apierr.CodeTimeout, err, "model "+modelID+" timed out")
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		switch sc.HTTPStatus() {
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return apierr.Wrap(apierr.CodeTimeout, err, "model "+modelID+" timed out")
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, 529:
			return apierr.Wrap(apierr.CodeUnavailable, err, "model "+modelID+" is unavailable")
		default:
			return apierr.Wrap(apierr.CodeGenerationFailed, err, "model "+modelID+" failed to generate")
		}
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return apierr.Wrap(apierr.CodeUnavailable, err, "model "+modelID+" is unavailable")
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return apierr.Wrap(apierr.CodeTimeout, err, "model "+modelID+" timed out")
		}
		return apierr.Wrap(apierr.CodeUnavailable, err, "model "+modelID+" is unavailable")
	}

	return apierr.Wrap(apierr.CodeGenerationFailed, err, "model "+modelID+" failed to generate")
}

// unready is returned by Generate and Stream before EnsureReady succeeded.
func unready(modelID string, cause error) error {
	msg := "model " + modelID + " is not ready"
	if cause != nil {
		return apierr.Wrap(apierr.CodeUnready, cause, msg)
	}
	return apierr.New(apierr.CodeUnready, "%s", msg)
}
