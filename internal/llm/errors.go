package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrStreamTruncated is returned when a streamed reply ends without the
// provider's completion marker. The partial reply is discarded.
var ErrStreamTruncated = errors.New("stream ended before completion")

// APIError is a non-2xx reply from a provider, or an error event sent
// in the middle of an otherwise successful stream.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Transient reports whether the status describes a condition that may
// clear on its own (rate limiting, overload, upstream timeouts).
func (e *APIError) Transient() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout,
		http.StatusTooEarly,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		529: // Anthropic "overloaded"
		return true
	}
	return false
}

// IsTransient reports whether err is worth retrying. Authentication,
// validation and other 4xx failures are not; neither is cancellation of
// the caller's own context.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, ErrStreamTruncated) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
