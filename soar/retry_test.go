package soar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"nil", nil, ErrorTypeUnknown},
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout},
		{"wrapped deadline", fmt.Errorf("call failed: %w", context.DeadlineExceeded), ErrorTypeTimeout},
		{"permanent wrapper", &PermanentError{Err: errors.New("bad config")}, ErrorTypePermanent},
		{"http 429", &HTTPStatusError{Code: http.StatusTooManyRequests}, ErrorTypeRateLimit},
		{"http 503", &HTTPStatusError{Code: http.StatusServiceUnavailable}, ErrorTypeTimeout},
		{"http 500", &HTTPStatusError{Code: http.StatusInternalServerError}, ErrorTypeTemporary},
		{"http 400", &HTTPStatusError{Code: http.StatusBadRequest}, ErrorTypePermanent},
		{"http 403", &HTTPStatusError{Code: http.StatusForbidden}, ErrorTypePermanent},
		{"message timeout", errors.New("operation timeout after 30s"), ErrorTypeTimeout},
		{"message rate limit", errors.New("rate limit exceeded"), ErrorTypeRateLimit},
		{"message refused", errors.New("dial tcp: connection refused"), ErrorTypeNetwork},
		{"opaque", errors.New("something odd"), ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestErrorTypeRetryable(t *testing.T) {
	assert.True(t, ErrorTypeTimeout.IsRetryable())
	assert.True(t, ErrorTypeRateLimit.IsRetryable())
	assert.True(t, ErrorTypeUnknown.IsRetryable())
	assert.False(t, ErrorTypePermanent.IsRetryable())
}

func TestRetryDelay(t *testing.T) {
	// configured per-action delay wins over the type table
	d := retryDelay(ErrorTypeTimeout, 0, 2*time.Second)
	assert.GreaterOrEqual(t, d, 2*time.Second)
	assert.Less(t, d, 3*time.Second)

	// type table applies otherwise; the last entry caps further retries
	d = retryDelay(ErrorTypeRateLimit, 5, 0)
	assert.GreaterOrEqual(t, d, 120*time.Second)

	d = retryDelay(ErrorTypeTemporary, 0, 0)
	assert.GreaterOrEqual(t, d, time.Second)
	assert.Less(t, d, 2*time.Second)
}
