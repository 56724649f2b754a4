package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/tabula/pkg/schema"
)

// RetryPolicy controls background persistence retries. Saves run outside
// the commit path, so retrying is cheap; the dirty flag guarantees nothing
// is lost between attempts.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Backoff  string // none, constant, linear, exponential
	MaxDelay time.Duration
}

// DefaultSaveRetry is the default policy for session persistence.
var DefaultSaveRetry = RetryPolicy{
	Attempts: 5,
	Delay:    200 * time.Millisecond,
	Backoff:  "exponential",
	MaxDelay: 10 * time.Second,
}

// nonRetryableCodes are error classes where retrying the same save cannot
// succeed.
var nonRetryableCodes = map[string]struct{}{
	schema.ErrCodeValidation:        {},
	schema.ErrCodeValidationFailure: {},
	schema.ErrCodeConflict:          {},
	schema.ErrCodeVersionConflict:   {},
	schema.ErrCodeNotFound:          {},
	schema.ErrCodeForbidden:         {},
	schema.ErrCodeInvalidPatch:      {},
	schema.ErrCodeInvalidTransition: {},
	schema.ErrCodeUnknownAction:     {},
	schema.ErrCodeApprovalDenied:    {},
}

// IsRetryableError classifies whether a persistence error should be retried.
// Network errors, timeouts, and locked-database conditions are retryable;
// typed domain errors are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Context cancelled means the process is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var tabErr *schema.TabulaError
	if errors.As(err, &tabErr) {
		_, nonRetryable := nonRetryableCodes[tabErr.Code]
		return !nonRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common transient database conditions.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"database is locked",
		"busy",
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"temporary failure",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable; the policy limits attempts.
	return true
}

// ComputeBackoff calculates the delay before the next retry attempt.
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = policy.Delay * multiplier
	case "linear":
		delay = policy.Delay * time.Duration(attempt+1)
	default: // none, constant, or empty
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff or returns early if the
// context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
