package workpool

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Retry runs an operation with exponential back-off.
type Retry struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetry is used for per-message fetches.
var DefaultRetry = Retry{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}

// Do calls fn until it succeeds, the attempts run out, or ctx is done.
// Errors marked with Permanent are not retried.
func (r Retry) Do(ctx context.Context, operation string, fn func() error) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := r.BaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if pe, ok := lastErr.(*permanentError); ok {
			return fmt.Errorf("%s failed: %w", operation, pe.err)
		}
		if attempt == attempts {
			break
		}

		slog.Warn("retrying", "operation", operation, "attempt", attempt, "max_attempts", attempts, "delay", delay, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, lastErr)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
