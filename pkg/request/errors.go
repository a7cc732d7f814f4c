package request

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRequestTimeout is returned when an attempt exceeded its timeout.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrTransientServer covers retryable server responses (429, 5xx).
	ErrTransientServer = errors.New("transient server error")
	// ErrNetwork covers transport failures where no response arrived.
	ErrNetwork = errors.New("network error")
	// ErrPermanentRequest covers responses that retrying cannot fix.
	ErrPermanentRequest = errors.New("permanent request error")
)

// DefaultRetryStatuses are the status codes retried by default.
var DefaultRetryStatuses = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// StatusError is a non-2xx response. It matches ErrRequestTimeout for 408,
// ErrTransientServer for other retryable codes and ErrPermanentRequest
// otherwise.
type StatusError struct {
	StatusCode int
	Body       []byte
	Retryable  bool
}

func (e *StatusError) Error() string {
	body := string(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, body)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusRequestTimeout:
		return ErrRequestTimeout
	case e.Retryable:
		return ErrTransientServer
	default:
		return ErrPermanentRequest
	}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, ErrTransientServer) ||
		errors.Is(err, ErrNetwork)
}
