// Package apperr defines the error taxonomy shared by the messaging core.
//
// Every component failure wraps exactly one of the sentinel kinds below,
// so callers can branch with errors.Is while the underlying cause stays
// reachable through the same chain.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks bad input rejected before any I/O.
	ErrValidation = errors.New("validation error")
	// ErrDelivery marks a failed write to the conversation store.
	ErrDelivery = errors.New("delivery error")
	// ErrSubscription marks a live subscription that failed and will not recover.
	ErrSubscription = errors.New("subscription error")
	// ErrConfiguration marks an AI endpoint that is not usable.
	ErrConfiguration = errors.New("configuration error")
	// ErrBusy marks a rejected concurrent AI request.
	ErrBusy = errors.New("busy")
	// ErrTimeout marks an AI request that exceeded its bound.
	ErrTimeout = errors.New("timeout")
	// ErrNotFound marks a missing document.
	ErrNotFound = errors.New("not found")
)

// Validation returns a validation error with a formatted reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Delivery wraps a store failure.
func Delivery(cause error) error {
	return fmt.Errorf("%w: %w", ErrDelivery, cause)
}

// Subscription wraps a listener failure.
func Subscription(cause error) error {
	return fmt.Errorf("%w: %w", ErrSubscription, cause)
}

// Configuration returns a configuration error with a reason.
func Configuration(reason string) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, reason)
}

// Timeout wraps an expired wait.
func Timeout(cause error) error {
	return fmt.Errorf("%w: %w", ErrTimeout, cause)
}

// Code returns a short machine-readable code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrConfiguration):
		return "not_configured"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrSubscription):
		return "subscription_error"
	case errors.Is(err, ErrDelivery):
		if errors.Is(err, ErrNotFound) {
			return "not_found"
		}
		return "delivery_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps err to the status code used by the API.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "validation_error":
		return http.StatusBadRequest
	case "busy":
		return http.StatusConflict
	case "not_configured":
		return http.StatusServiceUnavailable
	case "timeout":
		return http.StatusGatewayTimeout
	case "not_found":
		return http.StatusNotFound
	case "delivery_error", "subscription_error":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
