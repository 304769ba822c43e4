// Package apperrors defines the error classes shared by the venue client,
// the chat client and the relay pipeline. Callers match them with errors.As
// and decide between retrying, dropping and halting.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// AuthError reports rejected or expired credentials. It is never retried.
type AuthError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed (status %d): %v", e.Service, e.StatusCode, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError covers timeouts, connection resets and 5xx responses.
type TransientError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: transient network error: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("%s: transient error (status %d): %v", e.Service, e.StatusCode, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError is a throttling signal. RetryAfter is zero when the remote
// side gave no hint.
type RateLimitError struct {
	Service    string
	RetryAfter time.Duration
	Global     bool
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %s", e.Service, e.RetryAfter)
}

// RejectedError is a non-retryable rejection of a single request, for
// example a 400 for a payload the platform will never accept.
type RejectedError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: request rejected (status %d): %s", e.Service, e.StatusCode, e.Body)
}

// MalformedDataError marks a single venue entry that failed validation.
type MalformedDataError struct {
	EntryID string
	Field   string
	Reason  string
}

func (e *MalformedDataError) Error() string {
	id := e.EntryID
	if id == "" {
		id = "<missing id>"
	}
	return fmt.Sprintf("malformed entry %s: field %q: %s", id, e.Field, e.Reason)
}

// PersistenceError is returned when the cursor could not be read or written.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DispatchExhaustedError is attached to a message dropped after its last
// allowed attempt.
type DispatchExhaustedError struct {
	IdempotencyKey string
	Attempts       int
	Err            error
}

func (e *DispatchExhaustedError) Error() string {
	return fmt.Sprintf("dispatch of %s exhausted after %d attempts: %v", e.IdempotencyKey, e.Attempts, e.Err)
}

func (e *DispatchExhaustedError) Unwrap() error { return e.Err }

// IsRetryable reports whether the call that produced err may be repeated.
func IsRetryable(err error) bool {
	var transient *TransientError
	var limited *RateLimitError
	return errors.As(err, &transient) || errors.As(err, &limited)
}

// IsRateLimit reports whether err is a throttling signal.
func IsRateLimit(err error) bool {
	var limited *RateLimitError
	return errors.As(err, &limited)
}

// IsFatal reports whether err should stop the process instead of being
// retried on the next cycle.
func IsFatal(err error) bool {
	var auth *AuthError
	return errors.As(err, &auth)
}

// RetryAfterHint extracts the remote retry delay carried by a rate limit error.
func RetryAfterHint(err error) (time.Duration, bool) {
	var limited *RateLimitError
	if errors.As(err, &limited) && limited.RetryAfter > 0 {
		return limited.RetryAfter, true
	}
	return 0, false
}
