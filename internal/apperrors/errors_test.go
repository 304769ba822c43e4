package apperrors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		retryable bool
		fatal     bool
		rateLimit bool
	}{
		{name: "auth", err: &AuthError{Service: "discord", StatusCode: 401, Err: errors.New("401 Unauthorized")}, fatal: true},
		{name: "transient", err: &TransientError{Service: "bingx", StatusCode: 502, Err: errors.New("bad gateway")}, retryable: true},
		{name: "rate limit", err: &RateLimitError{Service: "discord", RetryAfter: time.Second}, retryable: true, rateLimit: true},
		{name: "wrapped rate limit", err: fmt.Errorf("send: %w", &RateLimitError{Service: "discord"}), retryable: true, rateLimit: true},
		{name: "rejected", err: &RejectedError{Service: "discord", StatusCode: 400}},
		{name: "persistence", err: &PersistenceError{Op: "commit", Err: errors.New("disk full")}},
		{name: "plain", err: errors.New("boom")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, IsRetryable(tc.err))
			assert.Equal(t, tc.fatal, IsFatal(tc.err))
			assert.Equal(t, tc.rateLimit, IsRateLimit(tc.err))
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	d, ok := RetryAfterHint(fmt.Errorf("wrapped: %w", &RateLimitError{RetryAfter: 2 * time.Second}))
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	_, ok = RetryAfterHint(&RateLimitError{})
	assert.False(t, ok)

	_, ok = RetryAfterHint(errors.New("other"))
	assert.False(t, ok)
}

func TestMalformedDataErrorMessage(t *testing.T) {
	err := &MalformedDataError{Field: "price", Reason: "not a number"}
	assert.Contains(t, err.Error(), "<missing id>")
	assert.Contains(t, err.Error(), `"price"`)
}
