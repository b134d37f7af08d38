package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"recipe-assistant/internal/relay"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrorRateLimited  ErrorCode = "RATE_LIMITED"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// AsError extracts a usecase error. Anything else is reported as an
// internal error so transports always have a code to send.
func AsError(err error) *Error {
	var ue *Error
	if errors.As(err, &ue) {
		return ue
	}
	return newError(ErrorInternal, "unexpected_error", err)
}

// HTTPStatus maps an error code to the status sent before any stream
// output has been written.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrorInvalidInput:
		return http.StatusBadRequest
	case ErrorUnauthorized:
		return http.StatusUnauthorized
	case ErrorRateLimited:
		return http.StatusTooManyRequests
	case ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// StreamErrorCode names a failure that happened after streaming began; it is
// carried in the error event sent to the client.
func StreamErrorCode(err error) string {
	switch {
	case errors.Is(err, relay.ErrUpstreamStalled):
		return "upstream_stalled"
	case errors.Is(err, context.DeadlineExceeded):
		return "upstream_timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "upstream_error"
	}
}
