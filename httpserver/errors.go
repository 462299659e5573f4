package httpserver

import (
	"errors"
	"net/http"

	"github.com/dmitrymomot/pharmaq/core/queue"
)

// HTTPError is the JSON error body of every failed API call.
type HTTPError struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// WithMessage returns a copy of the error with a custom message.
func (e HTTPError) WithMessage(message string) HTTPError {
	e.Message = message
	return e
}

// WithDetails returns a copy of the error with additional details.
func (e HTTPError) WithDetails(details map[string]any) HTTPError {
	e.Details = details
	return e
}

var (
	ErrBadRequest = HTTPError{
		Status:  http.StatusBadRequest,
		Code:    "bad_request",
		Message: http.StatusText(http.StatusBadRequest),
	}
	ErrNotFound = HTTPError{
		Status:  http.StatusNotFound,
		Code:    "not_found",
		Message: http.StatusText(http.StatusNotFound),
	}
	ErrUnknownQueue = HTTPError{
		Status:  http.StatusNotFound,
		Code:    "unknown_queue",
		Message: "unknown queue",
	}
	ErrRequestTooLarge = HTTPError{
		Status:  http.StatusRequestEntityTooLarge,
		Code:    "request_too_large",
		Message: http.StatusText(http.StatusRequestEntityTooLarge),
	}
	ErrUnprocessableEntity = HTTPError{
		Status:  http.StatusUnprocessableEntity,
		Code:    "validation_failed",
		Message: http.StatusText(http.StatusUnprocessableEntity),
	}
	ErrTooManyRequests = HTTPError{
		Status:  http.StatusTooManyRequests,
		Code:    "rate_limited",
		Message: "enqueue rate limit exceeded",
	}
	ErrInternalServerError = HTTPError{
		Status:  http.StatusInternalServerError,
		Code:    "internal_server_error",
		Message: http.StatusText(http.StatusInternalServerError),
	}
	ErrServiceUnavailable = HTTPError{
		Status:  http.StatusServiceUnavailable,
		Code:    "service_unavailable",
		Message: http.StatusText(http.StatusServiceUnavailable),
	}
)

// toHTTPError maps queue errors to API errors. Unknown errors become 500
// without leaking their message.
func toHTTPError(err error) HTTPError {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	if errors.Is(err, queue.ErrUnknownQueue) {
		return ErrUnknownQueue.WithMessage(err.Error())
	}

	var verr *queue.ValidationError
	if errors.As(err, &verr) {
		e := ErrUnprocessableEntity.WithMessage(verr.Error())
		if verr.Field != "" {
			e = e.WithDetails(map[string]any{"field": verr.Field, "reason": verr.Reason})
		}
		return e
	}

	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		return ErrNotFound.WithMessage("job not found")
	case errors.Is(err, queue.ErrServiceStopped):
		return ErrServiceUnavailable.WithMessage(err.Error())
	}

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return ErrRequestTooLarge
	}

	return ErrInternalServerError
}
