package provider

import (
	"errors"
	"fmt"
)

// rateLimitErrorCode is the provider error code signalling throttling in
// addition to HTTP 429.
const rateLimitErrorCode = 20429

var (
	// ErrRateLimited marks provider throttling; the only retryable class.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrConnectivity marks transport-level failures reaching the provider.
	ErrConnectivity = errors.New("provider unreachable")
)

// WrapConnectivity annotates a transport error so callers can detect
// connectivity failures.
func WrapConnectivity(err error) error {
	if err == nil {
		return ErrConnectivity
	}
	return fmt.Errorf("%w: %v", ErrConnectivity, err)
}

// APIError is a provider-raised error carrying the HTTP status and provider
// error code. It unwraps to ErrRateLimited when the provider signalled
// throttling; every other API error is terminal.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("provider error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("provider http %d: %s", e.HTTPStatus, e.Message)
}

// Unwrap exposes the rate-limit class through errors.Is.
func (e *APIError) Unwrap() error {
	if e.HTTPStatus == 429 || e.Code == rateLimitErrorCode {
		return ErrRateLimited
	}
	return nil
}
