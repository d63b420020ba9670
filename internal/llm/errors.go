package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors for LLM call failures. Callers branch on these to decide
// between retry, degradation, and hard failure.
var (
	ErrTimeout         = errors.New("llm: request timed out")
	ErrRateLimited     = errors.New("llm: rate limited")
	ErrConnection      = errors.New("llm: connection failed")
	ErrInvalidResponse = errors.New("llm: invalid response")
)

// HTTPError is a non-2xx response from the provider.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("llm: status %d: %s", e.Status, e.Body)
}

// classifyTransport maps transport-level failures onto the sentinels.
func classifyTransport(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

// classifyStatus maps a non-2xx status onto a sentinel or an HTTPError.
func classifyStatus(status int, body string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, body)
	case status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrTimeout, status)
	default:
		return &HTTPError{Status: status, Body: body}
	}
}
