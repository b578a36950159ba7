package soar

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// ErrorType categorizes an action failure for retry decisions.
type ErrorType string

const (
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeRateLimit ErrorType = "rate_limit"
	ErrorTypeNetwork   ErrorType = "network"
	ErrorTypeTemporary ErrorType = "temporary"
	ErrorTypePermanent ErrorType = "permanent"
	ErrorTypeUnknown   ErrorType = "unknown"
)

// IsRetryable reports whether the error type consumes retry budget. Permanent
// errors short-circuit remaining retries.
func (t ErrorType) IsRetryable() bool {
	return t != ErrorTypePermanent
}

// HTTPStatusError lets handlers surface upstream HTTP status codes to the
// retry classifier.
type HTTPStatusError struct {
	Code    int
	Message string
}

func (e *HTTPStatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.Code)
}

// StatusCode returns the upstream HTTP status.
func (e *HTTPStatusError) StatusCode() int { return e.Code }

// PermanentError marks a failure as not worth retrying (bad configuration,
// permanently rejected request).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// ClassifyError determines the error type driving retry behavior.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		return ErrorTypePermanent
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var httpErr interface{ StatusCode() int }
	if errors.As(err, &httpErr) {
		switch code := httpErr.StatusCode(); code {
		case http.StatusTooManyRequests:
			return ErrorTypeRateLimit
		case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusRequestTimeout:
			return ErrorTypeTimeout
		case http.StatusInternalServerError:
			return ErrorTypeTemporary
		case http.StatusBadRequest, http.StatusUnauthorized,
			http.StatusForbidden, http.StatusNotFound:
			return ErrorTypePermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
			errors.Is(opErr.Err, syscall.ECONNRESET) ||
			errors.Is(opErr.Err, syscall.EPIPE) {
			return ErrorTypeNetwork
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ErrorTypeTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return ErrorTypeRateLimit
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host"):
		return ErrorTypeNetwork
	case strings.Contains(msg, "temporar"):
		return ErrorTypeTemporary
	}
	return ErrorTypeUnknown
}

// errorTypeDelays maps error types to their backoff sequences. Rate-limited
// downstreams get much longer delays than plain timeouts.
var errorTypeDelays = map[ErrorType][]time.Duration{
	ErrorTypeTimeout:   {5 * time.Second, 10 * time.Second, 20 * time.Second},
	ErrorTypeRateLimit: {60 * time.Second, 120 * time.Second},
	ErrorTypeNetwork:   {5 * time.Second, 10 * time.Second, 20 * time.Second},
	ErrorTypeTemporary: {1 * time.Second, 2 * time.Second, 4 * time.Second},
}

// retryDelay computes the wait before attempt n (1-based retry index). When
// the action configures its own delay it wins; otherwise the delay follows
// the error-type table with 10% jitter.
func retryDelay(errType ErrorType, retryIdx int, configured time.Duration) time.Duration {
	var delay time.Duration
	if configured > 0 {
		delay = configured
	} else if delays, ok := errorTypeDelays[errType]; ok {
		idx := retryIdx
		if idx >= len(delays) {
			idx = len(delays) - 1
		}
		delay = delays[idx]
	} else {
		delay = time.Second << uint(retryIdx)
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay + jitter
}
